// Command rehash-ledger-hashes is a one-time migration script that
// recomputes content_hash for every ledger row in workflow_events. Run this
// after changing the fields that feed the hash, or after restoring a backup
// whose hashes were computed by an older version of the algorithm.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-ledger-hashes
//
// The script connects to the database, reads every event's canonical
// fields, recomputes the hash with the current algorithm, and updates any
// rows where the stored hash differs. It prints the number of rows fixed
// and exits.
//
// Safe to run multiple times — it's idempotent. Once all hashes match, it
// reports 0 updates and exits immediately.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/turing-orchestrate/internal/integrity"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, workflow_id, tenant_id, event_type, sequence_num, payload, created_at, content_hash
		 FROM workflow_events
		 ORDER BY workflow_id ASC, sequence_num ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		id          uuid.UUID
		workflowID  string
		tenantID    string
		eventType   string
		sequenceNum int64
		payload     map[string]any
		createdAt   time.Time
	}

	var stale []staleRow
	var total int
	for rows.Next() {
		var (
			id          uuid.UUID
			workflowID  string
			tenantID    string
			eventType   string
			sequenceNum int64
			payloadRaw  []byte
			createdAt   time.Time
			storedHash  *string
		)
		if err := rows.Scan(&id, &workflowID, &tenantID, &eventType, &sequenceNum, &payloadRaw, &createdAt, &storedHash); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++

		var payload map[string]any
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return fmt.Errorf("unmarshal payload for %s: %w", id, err)
		}

		expected, err := integrity.ComputeContentHash(id.String(), workflowID, tenantID, eventType, sequenceNum, payload, createdAt)
		if err != nil {
			return fmt.Errorf("compute hash for %s: %w", id, err)
		}
		if storedHash == nil || *storedHash != expected {
			stale = append(stale, staleRow{id, workflowID, tenantID, eventType, sequenceNum, payload, createdAt})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d events, %d have stale hashes\n", total, len(stale))

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		expected, err := integrity.ComputeContentHash(r.id.String(), r.workflowID, r.tenantID, r.eventType, r.sequenceNum, r.payload, r.createdAt)
		if err != nil {
			log.Printf("compute hash %s: %v", r.id, err)
			continue
		}
		tag, err := pool.Exec(ctx,
			`UPDATE workflow_events SET content_hash = $1 WHERE id = $2`,
			expected, r.id)
		if err != nil {
			log.Printf("update %s: %v", r.id, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale hashes\n", updated, len(stale))
	return nil
}
