package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

// InsertManualDecisionTx records an operator's manual decision within tx. The
// caller is responsible for also appending the corresponding override.applied
// WorkflowEvent in the same transaction — this table is a queryable index
// over manual decisions, not the source of truth (the ledger is).
func InsertManualDecisionTx(ctx context.Context, tx pgx.Tx, d model.ManualDecision) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO manual_decisions (id, workflow_id, tenant_id, decision, reason, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.WorkflowID, d.TenantID, d.Decision, d.Reason, d.Actor, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert manual decision: %w", err)
	}
	return nil
}

// GetManualDecisionsByWorkflow returns all manual decisions recorded for a
// workflow, oldest first.
func (db *DB) GetManualDecisionsByWorkflow(ctx context.Context, workflowID string) ([]model.ManualDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, tenant_id, decision, reason, actor, created_at
		 FROM manual_decisions WHERE workflow_id = $1
		 ORDER BY created_at ASC`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get manual decisions: %w", err)
	}
	defer rows.Close()

	var out []model.ManualDecision
	for rows.Next() {
		var d model.ManualDecision
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.TenantID, &d.Decision, &d.Reason, &d.Actor, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan manual decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
