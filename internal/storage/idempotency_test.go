package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	tenantID := "idem-tenant"
	correlationID := "corr-" + uuid.NewString()

	lookup, err := testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIngressIdempotency(ctx, tenantID, correlationID, 202, map[string]any{"status": "ok"})
	require.NoError(t, err)

	replay, err := testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 202, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_StaleInProgressBlocksRetry(t *testing.T) {
	ctx := context.Background()
	tenantID := "idem-tenant"
	correlationID := "corr-" + uuid.NewString()

	_, err := testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-a")
	require.NoError(t, err)

	// In-progress key blocks retry regardless of staleness (no takeover).
	_, err = testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	// Even after the key is artificially aged, it still blocks — the cleanup
	// job must remove it before the retry can proceed.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE ingress_idempotency SET updated_at = now() - interval '20 minutes'
		 WHERE tenant_id = $1 AND correlation_id = $2`,
		tenantID, correlationID,
	)
	require.NoError(t, err)

	_, err = testDB.BeginIngressIdempotency(ctx, tenantID, correlationID, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress, "stale in-progress keys must not be taken over")
}

func TestIdempotency_Cleanup(t *testing.T) {
	ctx := context.Background()
	tenantID := "idem-cleanup-tenant"

	// Seed one old completed key and one old in-progress key.
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO ingress_idempotency (tenant_id, correlation_id, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, 'old-completed', 'h1', 'completed', 202, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, 'old-in-progress', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days')`,
		tenantID,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM ingress_idempotency
		 WHERE tenant_id = $1 AND correlation_id IN ('old-completed', 'old-in-progress')`,
		tenantID,
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
