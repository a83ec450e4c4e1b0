package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/turing-orchestrate/internal/integrity"
	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx, so ledger writes
// can participate in a caller-managed transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReserveSequenceNums atomically allocates count globally unique sequence numbers
// using a Postgres SEQUENCE. Returns a slice of monotonically increasing values.
// Under concurrent access, values are unique but may not be consecutive (gaps are
// harmless, they just mean another caller grabbed intervening numbers).
func (db *DB) ReserveSequenceNums(ctx context.Context, count int) ([]int64, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT nextval('workflow_event_sequence_num_seq') FROM generate_series(1, $1)`, count)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve sequence nums: %w", err)
	}
	defer rows.Close()

	nums := make([]int64, 0, count)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan sequence num: %w", err)
		}
		nums = append(nums, v)
	}
	return nums, rows.Err()
}

// InsertEvents appends events to the ledger using the COPY protocol for high
// throughput. Events must have SequenceNum already assigned. The ledger is
// append-only: there is no update or delete path for a WorkflowEvent row.
func (db *DB) InsertEvents(ctx context.Context, events []model.WorkflowEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "workflow_id", "tenant_id", "event_type", "sequence_num", "payload", "content_hash", "created_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		hash, err := contentHashFor(e)
		if err != nil {
			return 0, err
		}
		rows[i] = []any{
			e.ID,
			e.WorkflowID,
			e.TenantID,
			string(e.EventType),
			e.SequenceNum,
			e.Payload,
			hash,
			e.CreatedAt,
		}
	}

	copyCount, err := db.pool.CopyFrom(
		ctx,
		pgx.Identifier{"workflow_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// InsertEvent appends a single event to the ledger (for low-volume operations,
// i.e. most of the orchestrator's ingress traffic). Pass the querier (db.Pool()
// or a *pgx.Tx) via InsertEventTx when the insert must participate in a
// transaction alongside a workflow state update.
func (db *DB) InsertEvent(ctx context.Context, event model.WorkflowEvent) error {
	return InsertEventTx(ctx, db.pool, event)
}

// InsertEventTx appends a single event using the given executor, so callers
// can insert the ledger entry and update the workflow row in the same
// transaction.
func InsertEventTx(ctx context.Context, exec Executor, event model.WorkflowEvent) error {
	hash, err := contentHashFor(event)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO workflow_events (id, workflow_id, tenant_id, event_type, sequence_num, payload, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowID, event.TenantID, string(event.EventType),
		event.SequenceNum, event.Payload, hash, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// contentHashFor computes the tamper-evident content hash for an event about
// to be inserted, unless the caller already assigned one in ContentHash.
func contentHashFor(event model.WorkflowEvent) (string, error) {
	if event.ContentHash != "" {
		return event.ContentHash, nil
	}
	hash, err := integrity.ComputeContentHash(
		event.ID, event.WorkflowID, event.TenantID, string(event.EventType),
		event.SequenceNum, event.Payload, event.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("storage: compute content hash: %w", err)
	}
	return hash, nil
}

// GetEventsByWorkflow retrieves all ledger events for a workflow, ordered by
// sequence_num ascending when desc is false, descending when true.
func (db *DB) GetEventsByWorkflow(ctx context.Context, workflowID string, desc bool) ([]model.WorkflowEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, tenant_id, event_type, sequence_num, payload, COALESCE(content_hash, ''), created_at
		 FROM workflow_events WHERE workflow_id = $1
		 ORDER BY sequence_num `+sequenceOrder(desc), workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by workflow: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventsByType retrieves events of a single type for a workflow, ordered by
// sequence_num ascending when desc is false, descending when true. Used to
// build a DecisionTimeline from decision.finalised/override.applied events
// without loading the full ledger.
func (db *DB) GetEventsByType(ctx context.Context, workflowID string, eventType model.LedgerEventType, desc bool) ([]model.WorkflowEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, tenant_id, event_type, sequence_num, payload, COALESCE(content_hash, ''), created_at
		 FROM workflow_events WHERE workflow_id = $1 AND event_type = $2
		 ORDER BY sequence_num `+sequenceOrder(desc), workflowID, string(eventType),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by type: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetLatestEventByType retrieves the single most recent event of a type for a
// workflow, or nil if none exist. Used wherever only the current decision (or
// other single latest event) is needed, instead of loading the full ledger to
// scan for the max sequence_num.
func (db *DB) GetLatestEventByType(ctx context.Context, workflowID string, eventType model.LedgerEventType) (*model.WorkflowEvent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, workflow_id, tenant_id, event_type, sequence_num, payload, COALESCE(content_hash, ''), created_at
		 FROM workflow_events WHERE workflow_id = $1 AND event_type = $2
		 ORDER BY sequence_num DESC LIMIT 1`, workflowID, string(eventType),
	)
	var e model.WorkflowEvent
	err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &e.EventType, &e.SequenceNum, &e.Payload, &e.ContentHash, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest event by type: %w", err)
	}
	return &e, nil
}

func sequenceOrder(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

func scanEvents(rows pgx.Rows) ([]model.WorkflowEvent, error) {
	var events []model.WorkflowEvent
	for rows.Next() {
		var e model.WorkflowEvent
		if err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.TenantID, &e.EventType, &e.SequenceNum,
			&e.Payload, &e.ContentHash, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
