package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/turing-orchestrate/internal/auth"
	"github.com/ashita-ai/turing-orchestrate/internal/config"
	"github.com/ashita-ai/turing-orchestrate/internal/orchestrator"
	"github.com/ashita-ai/turing-orchestrate/internal/ratelimit"
	"github.com/ashita-ai/turing-orchestrate/internal/riskclient"
	"github.com/ashita-ai/turing-orchestrate/internal/server"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
	"github.com/ashita-ai/turing-orchestrate/internal/telemetry"
	"github.com/ashita-ai/turing-orchestrate/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// idempotencyCleanupInterval is how often abandoned and completed ingress
// idempotency records are purged. Not user-configurable; the TTLs that
// decide what "old" means are.
const idempotencyCleanupInterval = 10 * time.Minute

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("TURING_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("turing-orchestrate starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Migrations are embedded so they apply regardless of working directory.
	// RunMigrations runs every embedded .sql file on each start; the files use
	// IF NOT EXISTS throughout, so re-running them leaves the schema unchanged.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'workflows')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'workflows' does not exist after migration")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	risk := riskclient.New(cfg.RiskClientURL, cfg.RiskClientTimeout)
	dispatcher := orchestrator.New(db, risk, logger)
	proofBuilder := orchestrator.NewProofBuilder(db, logger, 0)

	limiter := ratelimit.NewMemoryLimiter(
		float64(cfg.RateLimitPerMinute)/60.0,
		cfg.RateLimitBurst,
	)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:          db,
		Dispatcher:  dispatcher,
		JWTMgr:      jwtMgr,
		Logger:      logger,
		Config:      cfg,
		RateLimiter: limiter,
	})

	go integrityProofLoop(ctx, proofBuilder, logger, cfg.IntegrityProofInterval)
	go idempotencyCleanupLoop(ctx, db, logger, cfg.IdempotencyCompletedTTL, cfg.IdempotencyInProgressTTL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("turing-orchestrate shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("turing-orchestrate stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// integrityProofLoop periodically rolls up each tenant's ledger entries
// since the last cycle into a chained Merkle-root integrity proof.
func integrityProofLoop(ctx context.Context, pb *orchestrator.ProofBuilder, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	since := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().UTC()
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			created, err := pb.RunBatch(opCtx, since, until)
			cancel()
			if err != nil {
				logger.Warn("integrity proof batch failed", "error", err)
				continue
			}
			if created > 0 {
				logger.Info("integrity proof batch complete", "tenants_proven", created)
			}
			since = until
		}
	}
}

func idempotencyCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, completedTTL, inProgressTTL time.Duration) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := db.CleanupIdempotencyKeys(opCtx, completedTTL, inProgressTTL)
			cancel()
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}
