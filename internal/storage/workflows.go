package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

// GetOrCreateWorkflow returns the workflow for id, creating it in StatePending
// if it doesn't exist yet. This is the entry point every ingress event goes
// through before the state machine is consulted: the very first event for a
// workflow_id implicitly creates the workflow row.
func (db *DB) GetOrCreateWorkflow(ctx context.Context, id, tenantID string) (model.Workflow, error) {
	var w model.Workflow
	now := time.Now().UTC()
	err := db.pool.QueryRow(ctx,
		`INSERT INTO workflows (id, tenant_id, state, requires_human, data, created_at, updated_at)
		 VALUES ($1, $2, $3, false, '{}'::jsonb, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET id = workflows.id
		 RETURNING id, tenant_id, state, selfie_session_id, id_session_id, risk_score, risk_band, decision, requires_human, data, created_at, updated_at`,
		id, tenantID, model.StatePending, now,
	).Scan(&w.ID, &w.TenantID, &w.State, &w.SelfieSessionID, &w.IDSessionID, &w.RiskScore, &w.RiskBand,
		&w.Decision, &w.RequiresHuman, &w.Data, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: get or create workflow: %w", err)
	}
	return w, nil
}

// GetWorkflowForUpdate loads a workflow row with a row-level lock (SELECT ...
// FOR UPDATE), held until the caller's transaction commits or rolls back.
// This is how the orchestrator serializes concurrent events for the same
// workflow without an in-process mutex, which wouldn't survive multiple
// server instances.
func (db *DB) GetWorkflowForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Workflow, error) {
	var w model.Workflow
	err := tx.QueryRow(ctx,
		`SELECT id, tenant_id, state, selfie_session_id, id_session_id, risk_score, risk_band, decision, requires_human, data, created_at, updated_at
		 FROM workflows WHERE id = $1 FOR UPDATE`, id,
	).Scan(&w.ID, &w.TenantID, &w.State, &w.SelfieSessionID, &w.IDSessionID, &w.RiskScore, &w.RiskBand,
		&w.Decision, &w.RequiresHuman, &w.Data, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow for update: %w", err)
	}
	return w, nil
}

// SaveWorkflowTx persists a workflow's mutable fields within tx. Only the
// state machine calls this; the ledger append (InsertEventTx) happens in the
// same transaction so a workflow's state and its ledger entry never diverge.
func SaveWorkflowTx(ctx context.Context, tx pgx.Tx, w model.Workflow) error {
	_, err := tx.Exec(ctx,
		`UPDATE workflows
		 SET state = $2, selfie_session_id = $3, id_session_id = $4, risk_score = $5,
		     risk_band = $6, decision = $7, requires_human = $8, data = $9, updated_at = $10
		 WHERE id = $1`,
		w.ID, w.State, w.SelfieSessionID, w.IDSessionID, w.RiskScore, w.RiskBand,
		w.Decision, w.RequiresHuman, w.Data, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id without locking.
func (db *DB) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	var w model.Workflow
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, state, selfie_session_id, id_session_id, risk_score, risk_band, decision, requires_human, data, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.TenantID, &w.State, &w.SelfieSessionID, &w.IDSessionID, &w.RiskScore, &w.RiskBand,
		&w.Decision, &w.RequiresHuman, &w.Data, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns workflows for a tenant, optionally filtered by state,
// newest first, capped at filter.Limit (or MaxWorkflowListLimit).
func (db *DB) ListWorkflows(ctx context.Context, filter model.WorkflowListFilter) ([]model.Workflow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = model.DefaultWorkflowListLimit
	}
	if limit > model.MaxWorkflowListLimit {
		limit = model.MaxWorkflowListLimit
	}

	var rows pgx.Rows
	var err error
	if filter.State != nil {
		rows, err = db.pool.Query(ctx,
			`SELECT id, tenant_id, state, selfie_session_id, id_session_id, risk_score, risk_band, decision, requires_human, data, created_at, updated_at
			 FROM workflows WHERE tenant_id = $1 AND state = $2
			 ORDER BY created_at DESC LIMIT $3`,
			filter.TenantID, *filter.State, limit,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT id, tenant_id, state, selfie_session_id, id_session_id, risk_score, risk_band, decision, requires_human, data, created_at, updated_at
			 FROM workflows WHERE tenant_id = $1
			 ORDER BY created_at DESC LIMIT $2`,
			filter.TenantID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		var w model.Workflow
		if err := rows.Scan(&w.ID, &w.TenantID, &w.State, &w.SelfieSessionID, &w.IDSessionID, &w.RiskScore,
			&w.RiskBand, &w.Decision, &w.RequiresHuman, &w.Data, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
