// Package ingest implements the write path: envelope validation, idempotent
// replay, normalization, chunked storage, and dead-lettering of failed items.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/storage"
)

// Envelope is the inbound ingest request.
type Envelope struct {
	TenantID       string                `json:"tenant_id" validate:"required"`
	SourceID       string                `json:"source_id" validate:"required"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	Metrics        []metric.InboundPoint `json:"metrics" validate:"required,min=1,dive"`
}

// Response is the ingest outcome. For a replayed idempotency key the raw
// bytes returned alongside are the original response, byte for byte.
type Response struct {
	Success    bool               `json:"success"`
	RequestID  string             `json:"request_id"`
	Accepted   int                `json:"accepted"`
	Rejected   int                `json:"rejected"`
	DurationMS int64              `json:"duration_ms"`
	Errors     []metric.ItemError `json:"errors,omitempty"`
}

// Options tunes the handler.
type Options struct {
	// PipelineVersion is stamped into provenance.
	PipelineVersion string
	// DeadLetterCap bounds dead-letter entries per request. Default 10.
	DeadLetterCap int
	// DisableIdempotency skips record lookup and persistence; the backfill
	// and dead-letter replay paths use this.
	DisableIdempotency bool
}

// Handler is the ingest pipeline.
type Handler struct {
	store      *storage.Store
	normalizer *metric.Normalizer
	validate   *validator.Validate
	opts       Options
	log        *zap.Logger
	now        func() time.Time
}

// NewHandler wires the pipeline over the store.
func NewHandler(store *storage.Store, opts Options, log *zap.Logger) *Handler {
	if opts.PipelineVersion == "" {
		opts.PipelineVersion = "1.0"
	}
	if opts.DeadLetterCap <= 0 {
		opts.DeadLetterCap = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:      store,
		normalizer: metric.NewNormalizer(opts.PipelineVersion, nil),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// EffectiveKey returns the request's idempotency key, deriving one from the
// payload when the caller did not supply it.
func EffectiveKey(env *Envelope) string {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	return env.TenantID + ":" + env.SourceID + ":" + metric.StableHash(env.Metrics)
}

// Ingest runs the pipeline. raw is the JSON-encoded response; on an
// idempotent replay it is the originally stored bytes and replayed is true.
func (h *Handler) Ingest(ctx context.Context, env *Envelope) (resp *Response, raw []byte, replayed bool, err error) {
	start := h.now()

	// 1. Envelope validation: an invalid envelope gets an immediate error
	// response, never a Go error.
	if err := h.validate.Struct(env); err != nil {
		resp := &Response{
			Success:   false,
			RequestID: uuid.NewString(),
			Rejected:  len(env.Metrics),
			Errors: []metric.ItemError{{
				Index:   -1,
				Code:    metric.ErrSchemaValidationFailed,
				Message: err.Error(),
			}},
		}
		resp.DurationMS = time.Since(start).Milliseconds()
		raw, err := json.Marshal(resp)
		return resp, raw, false, err
	}

	// 2. Idempotent replay.
	key := EffectiveKey(env)
	if !h.opts.DisableIdempotency {
		rec, err := h.store.GetIdempotency(ctx, key)
		if err != nil {
			return nil, nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if rec != nil {
			var cached Response
			if err := json.Unmarshal(rec.Response, &cached); err != nil {
				return nil, nil, false, fmt.Errorf("decode cached response: %w", err)
			}
			h.log.Debug("ingest replayed from idempotency record",
				zap.String("tenant_id", env.TenantID),
				zap.String("request_id", rec.RequestID))
			return &cached, rec.Response, true, nil
		}
	}

	// 3. Tenant row.
	if err := h.store.EnsureTenant(ctx, env.TenantID); err != nil {
		return nil, nil, false, err
	}

	requestID := uuid.NewString()
	var itemErrors []metric.ItemError

	// 4. Normalize.
	accepted, rejections := h.normalizer.NormalizeBatch(env.TenantID, env.SourceID, env.Metrics)
	for _, rej := range rejections {
		itemErrors = append(itemErrors, metric.ItemError{
			Index:     rej.Index,
			MetricKey: env.Metrics[rej.Index].MetricKey,
			Code:      rej.Reason,
			Message:   rej.Detail,
		})
	}

	// 5. Store. A storage failure rejects the whole batch but still responds.
	stored := 0
	if len(accepted) > 0 {
		res, err := h.store.StoreBatch(ctx, accepted)
		if err != nil {
			h.log.Warn("batch store failed", zap.String("tenant_id", env.TenantID), zap.Error(err))
			itemErrors = append(itemErrors, metric.ItemError{
				Index:   -1,
				Code:    metric.ErrInternal,
				Message: err.Error(),
			})
		} else {
			stored = len(accepted)
			if res.Duplicates > 0 {
				h.log.Debug("coalesced duplicate points",
					zap.String("tenant_id", env.TenantID),
					zap.Int("duplicates", res.Duplicates))
			}
		}
	}

	// 6. Dead-letter the first K failures.
	h.deadLetterFailures(ctx, env, itemErrors)

	resp = &Response{
		Success:    len(itemErrors) == 0,
		RequestID:  requestID,
		Accepted:   stored,
		Rejected:   len(env.Metrics) - stored,
		DurationMS: time.Since(start).Milliseconds(),
		Errors:     itemErrors,
	}
	raw, err = json.Marshal(resp)
	if err != nil {
		return nil, nil, false, fmt.Errorf("encode response: %w", err)
	}

	// 7. Persist the idempotency record only for caller-supplied keys.
	if !h.opts.DisableIdempotency && env.IdempotencyKey != "" {
		rec := &storage.IdempotencyRecord{
			Key:       key,
			RequestID: requestID,
			TenantID:  env.TenantID,
			Response:  raw,
		}
		if err := h.store.PutIdempotency(ctx, rec); err != nil {
			// The response already exists; losing the record only costs a
			// future replay.
			h.log.Warn("persist idempotency record failed", zap.String("key", key), zap.Error(err))
		}
	}
	return resp, raw, false, nil
}

// deadLetterFailures enqueues failed items for replay, capped per request.
func (h *Handler) deadLetterFailures(ctx context.Context, env *Envelope, itemErrors []metric.ItemError) {
	queued := 0
	for _, ie := range itemErrors {
		if queued >= h.opts.DeadLetterCap {
			break
		}
		entry := &Envelope{TenantID: env.TenantID, SourceID: env.SourceID}
		if ie.Index >= 0 && ie.Index < len(env.Metrics) {
			entry.Metrics = []metric.InboundPoint{env.Metrics[ie.Index]}
		} else {
			// Request-level failure: replay the whole envelope.
			entry.Metrics = env.Metrics
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := h.store.AddDeadLetter(ctx, env.TenantID, payload, string(ie.Code)+": "+ie.Message); err != nil {
			h.log.Warn("dead-letter enqueue failed", zap.Error(err))
			return
		}
		metrics.DeadLettersTotal.WithLabelValues(env.TenantID, "ingest").Inc()
		queued++
	}
}
