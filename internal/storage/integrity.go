package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IntegrityProof represents a Merkle tree batch proof for one tenant's
// decision.finalised / override.applied events.
type IntegrityProof struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	BatchStart   time.Time `json:"batch_start"`
	BatchEnd     time.Time `json:"batch_end"`
	DecisionCount int      `json:"decision_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetLatestIntegrityProof returns the most recent integrity proof for a
// tenant. Returns nil if no proofs exist.
func (db *DB) GetLatestIntegrityProof(ctx context.Context, tenantID string) (*IntegrityProof, error) {
	var p IntegrityProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, batch_start, batch_end, decision_count, root_hash, previous_root, created_at
		 FROM ledger_integrity_proofs
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, tenantID,
	).Scan(&p.ID, &p.TenantID, &p.BatchStart, &p.BatchEnd, &p.DecisionCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest integrity proof: %w", err)
	}
	return &p, nil
}

// CreateIntegrityProof inserts a new integrity proof.
func (db *DB) CreateIntegrityProof(ctx context.Context, p IntegrityProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ledger_integrity_proofs (id, tenant_id, batch_start, batch_end, decision_count, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.TenantID, p.BatchStart, p.BatchEnd, p.DecisionCount, p.RootHash, p.PreviousRoot, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create integrity proof: %w", err)
	}
	return nil
}

// GetDecisionHashesForBatch returns content_hash values for decision.finalised
// and override.applied ledger events belonging to a tenant, appended between
// since (exclusive) and until (inclusive), ordered lexicographically so the
// resulting Merkle root is independent of insertion order.
func (db *DB) GetDecisionHashesForBatch(ctx context.Context, tenantID string, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM workflow_events
		 WHERE tenant_id = $1 AND created_at > $2 AND created_at <= $3
		   AND event_type IN ('decision.finalised', 'override.applied')
		   AND content_hash IS NOT NULL AND content_hash != ''
		 ORDER BY content_hash ASC`,
		tenantID, since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get decision hashes for batch: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan decision hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListTenantIDs returns all distinct tenant IDs that have at least one
// workflow, used by the periodic integrity-proof batch job to fan out per
// tenant.
func (db *DB) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM workflows ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenant IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan tenant ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
