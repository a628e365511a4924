package metric

// ErrCode is a stable error code at the wire boundary. Internal errors are
// mapped onto these before leaving the process.
type ErrCode string

const (
	// Item-level, non-retriable.
	ErrInvalidMetricKey       ErrCode = "invalid_metric_key"
	ErrInvalidValue           ErrCode = "invalid_value"
	ErrInvalidTimestamp       ErrCode = "invalid_timestamp"
	ErrInvalidDimensions      ErrCode = "invalid_dimensions"
	ErrSchemaValidationFailed ErrCode = "schema_validation_failed"

	// Request-level.
	ErrDuplicateIdempotencyKey ErrCode = "duplicate_idempotency_key"
	ErrRateLimited             ErrCode = "rate_limited"

	// Forecast / anomaly.
	ErrInsufficientData ErrCode = "insufficient_data"

	// Transport.
	ErrUpstreamUnavailable ErrCode = "upstream_unavailable"
	ErrTimeout             ErrCode = "timeout"

	// Fallback.
	ErrInternal ErrCode = "internal_error"
)

// Retriable reports whether an error code may be retried by the caller.
func (c ErrCode) Retriable() bool {
	switch c {
	case ErrRateLimited, ErrUpstreamUnavailable, ErrTimeout:
		return true
	}
	return false
}

// ItemError is a per-item failure reported in an ingest response. The batch
// itself never aborts on item errors.
type ItemError struct {
	Index     int     `json:"index"`
	MetricKey string  `json:"metric_key,omitempty"`
	Code      ErrCode `json:"code"`
	Message   string  `json:"message"`
}
