package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when the same correlation_id is
	// reused with a different request payload hash for the same tenant.
	ErrIdempotencyPayloadMismatch = errors.New("correlation_id reused with different payload")
	// ErrIdempotencyInProgress indicates a matching correlation_id is currently being processed.
	ErrIdempotencyInProgress = errors.New("correlation_id request already in progress")
)

// IdempotencyLookup describes the current state of a correlation_id lookup.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIngressIdempotency reserves a correlation_id for processing at the
// HTTP ingress boundary. Deduplication by correlation_id is an ingress
// concern, not something the event ledger enforces itself — a replayed
// correlation_id never results in a second ledger append.
//
// If this call returns (lookup, nil) with lookup.Completed=true, callers
// should replay the stored response instead of executing the operation
// again. If it returns ErrIdempotencyInProgress, another request is actively
// processing this correlation_id.
//
// Stale in-progress keys are NOT taken over, they block retries until the
// background CleanupIdempotencyKeys job removes them. This prevents duplicate
// ledger appends when the original request committed its work but crashed
// before calling CompleteIngressIdempotency.
func (db *DB) BeginIngressIdempotency(
	ctx context.Context,
	tenantID, correlationID, requestHash string,
) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO ingress_idempotency (tenant_id, correlation_id, request_hash, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		tenantID, correlationID, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil // caller owns processing
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM ingress_idempotency
		 WHERE tenant_id = $1 AND correlation_id = $2`,
		tenantID, correlationID,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status == "completed" {
		code := 0
		if statusCode != nil {
			code = *statusCode
		}
		return IdempotencyLookup{
			Completed:    true,
			StatusCode:   code,
			ResponseData: responseData,
		}, nil
	}
	return IdempotencyLookup{}, ErrIdempotencyInProgress
}

// CompleteIngressIdempotency stores the final response for a previously
// reserved correlation_id.
func (db *DB) CompleteIngressIdempotency(
	ctx context.Context,
	tenantID, correlationID string,
	statusCode int,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE ingress_idempotency
		 SET status = 'completed',
		     status_code = $3,
		     response_data = $4::jsonb,
		     updated_at = now()
		 WHERE tenant_id = $1 AND correlation_id = $2
		   AND status = 'in_progress'`,
		tenantID, correlationID, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIngressIdempotency removes an in-progress reservation so the
// client can retry (used when the handler fails before producing a response).
func (db *DB) ClearInProgressIngressIdempotency(
	ctx context.Context,
	tenantID, correlationID string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM ingress_idempotency
		 WHERE tenant_id = $1 AND correlation_id = $2
		   AND status = 'in_progress'`,
		tenantID, correlationID,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM ingress_idempotency
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
