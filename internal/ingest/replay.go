package ingest

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/storage"
)

// ReplayDeadLetters claims due dead-letter entries and replays them through
// the pipeline with idempotency disabled. Entries that fail again are
// rescheduled with backoff by the store, which marks them exhausted once the
// retry budget is spent.
func (h *Handler) ReplayDeadLetters(ctx context.Context, limit int) (resolved, failed int, err error) {
	entries, err := h.store.ClaimDueDeadLetters(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	worker := *h
	worker.opts.DisableIdempotency = true

	for _, entry := range entries {
		var env Envelope
		if uerr := json.Unmarshal(entry.OriginalRequest, &env); uerr != nil {
			// Undecodable payloads can never succeed; burn their retries.
			if _, derr := h.store.DeadLetterFailed(ctx, entry.ID, "undecodable payload: "+uerr.Error()); derr != nil {
				return resolved, failed, derr
			}
			failed++
			continue
		}

		resp, _, _, ierr := worker.Ingest(ctx, &env)
		if ierr == nil && resp.Success {
			if rerr := h.store.ResolveDeadLetter(ctx, entry.ID); rerr != nil {
				return resolved, failed, rerr
			}
			resolved++
			continue
		}

		cause := "replay rejected"
		if ierr != nil {
			cause = ierr.Error()
		} else if len(resp.Errors) > 0 {
			cause = resp.Errors[0].Message
		}
		updated, derr := h.store.DeadLetterFailed(ctx, entry.ID, cause)
		if derr != nil {
			return resolved, failed, derr
		}
		failed++
		if updated.Status == storage.DeadLetterExhausted {
			h.log.Warn("dead-letter entry exhausted",
				zap.String("id", entry.ID),
				zap.String("tenant_id", entry.TenantID),
				zap.Int("retries", updated.RetryCount))
		}
	}
	return resolved, failed, nil
}
