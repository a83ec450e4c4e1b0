package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/turing-orchestrate/internal/integrity"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

// defaultProofWorkers bounds how many tenants are rolled up concurrently
// during one batch run.
const defaultProofWorkers = 4

// ProofBuilder periodically rolls up each tenant's decision.finalised and
// override.applied ledger entries into a chained Merkle-root integrity
// proof, so the ledger's append-only guarantee can be checked independently
// of trusting the database.
type ProofBuilder struct {
	db      *storage.DB
	logger  *slog.Logger
	workers int
}

// NewProofBuilder builds a ProofBuilder. workers <= 0 uses defaultProofWorkers.
func NewProofBuilder(db *storage.DB, logger *slog.Logger, workers int) *ProofBuilder {
	if workers <= 0 {
		workers = defaultProofWorkers
	}
	return &ProofBuilder{db: db, logger: logger, workers: workers}
}

// RunBatch builds one integrity proof per tenant for decisions appended in
// (since, until]. Tenants are processed concurrently; a single tenant's
// failure is logged and skipped rather than failing the whole batch, since
// tenants are independent of each other. Returns the number of tenants for
// which a proof was created.
func (b *ProofBuilder) RunBatch(ctx context.Context, since, until time.Time) (int, error) {
	tenantIDs, err := b.db.ListTenantIDs(ctx)
	if err != nil {
		return 0, err
	}

	var created atomic.Int32
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			ok, err := b.buildProofForTenant(gCtx, tenantID, since, until)
			if err != nil {
				b.logger.Warn("integrity proof: build failed", "tenant_id", tenantID, "error", err)
				return nil
			}
			if ok {
				created.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(created.Load()), err
	}
	return int(created.Load()), nil
}

// buildProofForTenant computes this tenant's batch root and chains it to the
// tenant's previous proof via PreviousRoot. Returns false (no error) if the
// tenant had no qualifying ledger entries in the window — an empty batch is
// not recorded, since there is nothing for the root to attest to.
func (b *ProofBuilder) buildProofForTenant(ctx context.Context, tenantID string, since, until time.Time) (bool, error) {
	hashes, err := b.db.GetDecisionHashesForBatch(ctx, tenantID, since, until)
	if err != nil {
		return false, err
	}
	if len(hashes) == 0 {
		return false, nil
	}

	root := integrity.BuildMerkleRoot(hashes)

	prev, err := b.db.GetLatestIntegrityProof(ctx, tenantID)
	if err != nil {
		return false, err
	}
	var previousRoot *string
	if prev != nil {
		previousRoot = &prev.RootHash
	}

	proof := storage.IntegrityProof{
		TenantID:      tenantID,
		BatchStart:    since,
		BatchEnd:      until,
		DecisionCount: len(hashes),
		RootHash:      root,
		PreviousRoot:  previousRoot,
		CreatedAt:     until,
	}
	if err := b.db.CreateIntegrityProof(ctx, proof); err != nil {
		return false, err
	}
	return true, nil
}
