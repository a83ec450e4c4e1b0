package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

// requestHash computes a stable hash of the ingress payload so a retried
// correlation_id with a different body is rejected rather than silently
// replaying a mismatched response.
func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("server: marshal idempotency payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIngressIdempotency reserves (tenantID, correlationID) for processing.
// Returns true if the caller owns processing and should proceed. If a
// completed response already exists, it is replayed directly and the return
// value is false; it is also false when an error response has been written.
// If correlationID is empty, idempotency does not apply and the caller always
// proceeds.
func (h *Handlers) beginIngressIdempotency(w http.ResponseWriter, r *http.Request, tenantID, correlationID string, req model.IngressEventRequest) bool {
	if correlationID == "" {
		return true
	}

	hash, err := requestHash(req)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotent request", err)
		return false
	}

	lookup, err := h.db.BeginIngressIdempotency(r.Context(), tenantID, correlationID, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(lookup.StatusCode)
			_, _ = w.Write(lookup.ResponseData)
			return false
		}
		return true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "correlation_id reused with a different payload")
		return false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "correlation_id is already being processed")
		return false
	default:
		h.writeInternalError(w, r, "failed to reserve idempotency key", err)
		return false
	}
}

// completeIngressIdempotency stores the final response for replay on retry.
// Runs against a bounded background context, decoupled from the inbound
// request's lifetime, so a client that disconnects right after receiving its
// response doesn't cause the stored copy to be lost to context cancellation.
// Retries a few times since this runs after the response has already been
// sent to the client and cannot itself fail the request.
func (h *Handlers) completeIngressIdempotency(tenantID, correlationID string, statusCode int, responseData any) {
	if correlationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err := h.db.CompleteIngressIdempotency(ctx, tenantID, correlationID, statusCode, responseData); err != nil {
			lastErr = err
			continue
		}
		return
	}
	h.logger.Error("failed to persist idempotent response", "error", lastErr, "tenant_id", tenantID, "correlation_id", correlationID)
}

// clearIngressIdempotency removes the in-progress reservation so the caller
// can retry a request that failed before producing a storable response.
func (h *Handlers) clearIngressIdempotency(ctx context.Context, tenantID, correlationID string) {
	if correlationID == "" {
		return
	}
	if err := h.db.ClearInProgressIngressIdempotency(ctx, tenantID, correlationID); err != nil {
		h.logger.Warn("failed to clear in-progress idempotency key", "error", err, "tenant_id", tenantID, "correlation_id", correlationID)
	}
}
