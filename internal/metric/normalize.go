package metric

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Normalizer validates and rewrites inbound points into canonical records.
// It never returns an error for the batch; failures are reported per item.
//
// Normalization is idempotent: normalizing an already-canonical point is a
// no-op apart from re-stamping provenance.
type Normalizer struct {
	pipelineVersion string
	now             func() time.Time
}

// NewNormalizer creates a normalizer stamping the given pipeline version into
// provenance. nowFn may be nil and defaults to time.Now.
func NewNormalizer(pipelineVersion string, nowFn func() time.Time) *Normalizer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Normalizer{pipelineVersion: pipelineVersion, now: nowFn}
}

var (
	metricKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)
	dimKeyRe    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Rejection identifies an inbound item that failed normalization.
type Rejection struct {
	Index  int     `json:"index"`
	Reason ErrCode `json:"reason_code"`
	Detail string  `json:"detail,omitempty"`
}

// NormalizeBatch rewrites inbound items into canonical points. Items are
// processed in caller order; the accepted slice preserves that order.
func (n *Normalizer) NormalizeBatch(tenantID, sourceID string, items []InboundPoint) (accepted []Point, rejected []Rejection) {
	ingestedAt := n.now().UTC()
	for i := range items {
		p, rej := n.normalizeOne(tenantID, sourceID, ingestedAt, &items[i])
		if rej != nil {
			rej.Index = i
			rejected = append(rejected, *rej)
			continue
		}
		accepted = append(accepted, *p)
	}
	return accepted, rejected
}

func (n *Normalizer) normalizeOne(tenantID, sourceID string, ingestedAt time.Time, in *InboundPoint) (*Point, *Rejection) {
	var transforms []string

	key, changed, err := CanonicalMetricKey(in.MetricKey)
	if err != nil {
		return nil, &Rejection{Reason: ErrInvalidMetricKey, Detail: err.Error()}
	}
	if changed {
		transforms = append(transforms, "metric_key_rewritten")
	}

	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return nil, &Rejection{Reason: ErrInvalidValue, Detail: "value must be finite"}
	}

	ts := ingestedAt
	if in.Timestamp != "" {
		parsed, err := ParseTimestamp(in.Timestamp)
		if err != nil {
			return nil, &Rejection{Reason: ErrInvalidTimestamp, Detail: err.Error()}
		}
		ts = parsed
	} else {
		transforms = append(transforms, "timestamp_defaulted")
	}

	dims, dimChanged, err := CanonicalDimensions(in.Dimensions)
	if err != nil {
		return nil, &Rejection{Reason: ErrInvalidDimensions, Detail: err.Error()}
	}
	if dimChanged {
		transforms = append(transforms, "dimensions_rewritten")
	}

	return &Point{
		TenantID:   tenantID,
		MetricKey:  key,
		Timestamp:  ts.UTC().Truncate(time.Millisecond),
		Value:      in.Value,
		Dimensions: dims,
		Provenance: Provenance{
			SourceID:        sourceID,
			IngestedAt:      ingestedAt,
			PipelineVersion: n.pipelineVersion,
			Transformations: transforms,
		},
	}, nil
}

// CanonicalMetricKey lowercases the key and rewrites separators to the
// canonical dot/underscore form. The first character must be alphabetic.
func CanonicalMetricKey(raw string) (key string, changed bool, err error) {
	key = strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if key == "" {
		return "", false, fmt.Errorf("metric key is empty")
	}
	if !metricKeyRe.MatchString(key) {
		return "", false, fmt.Errorf("metric key %q is not canonical (lowercase, dot/underscore separated, first char alphabetic)", raw)
	}
	return key, key != raw, nil
}

// CanonicalDimensions lowercases dimension keys into snake_case and verifies
// values are scalars (string, bool, or finite number). Returns nil for an
// empty input map.
func CanonicalDimensions(dims map[string]any) (map[string]any, bool, error) {
	if len(dims) == 0 {
		return nil, false, nil
	}
	out := make(map[string]any, len(dims))
	changed := false
	for k, v := range dims {
		ck := strings.ToLower(strings.TrimSpace(k))
		ck = strings.ReplaceAll(ck, "-", "_")
		ck = strings.ReplaceAll(ck, " ", "_")
		if !dimKeyRe.MatchString(ck) {
			return nil, false, fmt.Errorf("dimension key %q is not snake_case", k)
		}
		if ck != k {
			changed = true
		}
		switch val := v.(type) {
		case string, bool:
			out[ck] = val
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, false, fmt.Errorf("dimension %q has non-finite number", k)
			}
			out[ck] = val
		case float32:
			out[ck] = float64(val)
			changed = true
		case int:
			out[ck] = float64(val)
			changed = true
		case int32:
			out[ck] = float64(val)
			changed = true
		case int64:
			out[ck] = float64(val)
			changed = true
		default:
			return nil, false, fmt.Errorf("dimension %q has non-scalar value of type %T", k, v)
		}
	}
	return out, changed, nil
}

// ParseTimestamp accepts ISO-8601 UTC instants and truncates to millisecond
// resolution.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", raw)
}
