package orchestrator_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
	"github.com/ashita-ai/turing-orchestrate/internal/orchestrator"
	"github.com/ashita-ai/turing-orchestrate/internal/riskclient"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
	"github.com/ashita-ai/turing-orchestrate/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orchestrate",
			"POSTGRES_PASSWORD": "orchestrate",
			"POSTGRES_DB":       "orchestrate",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://orchestrate:orchestrate@%s:%s/orchestrate?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newRiskServer(t *testing.T, body string, status int) *riskclient.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return riskclient.New(server.URL, 0)
}

func strPtr(s string) *string { return &s }

func runIngress(t *testing.T, d *orchestrator.Dispatcher, event string, payload map[string]any) model.IngressEventResponse {
	t.Helper()
	resp, err := d.Dispatch(context.Background(), model.IngressEventRequest{
		Event:   strPtr(event),
		Payload: payload,
	})
	require.NoError(t, err)
	return resp
}

func TestScenario_HappyPathAULowRisk(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{
		"final_risk": {"score": 0.12, "band": "low"},
		"decision": {"recommendation": "approve", "requires_human": false},
		"confidence": 0.97,
		"jurisdiction": "AU",
		"factors": ["device_trust_high"],
		"models": {"fraud_model": "v3.2", "aml_model": "v1.0"}
	}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()

	resp := runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
		"user_id": "user-42", "action": "account_opening",
	})
	assert.Equal(t, "ok", resp.Status)

	resp = runIngress(t, d, "match_completed", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "match": true, "fused_score": 0.9,
	})
	assert.Equal(t, "ok", resp.Status)

	resp = runIngress(t, d, "risk_evaluate", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "signals": map[string]any{"device_trust": 0.9},
		"evidence_hashes": map[string]any{"selfie": "sha256:abc", "id_document": "sha256:def"},
	})
	assert.Equal(t, "ok", resp.Status)

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, model.DecisionApprove, *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	decisions, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerDecisionFinal, false)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	payload := decisions[0].Payload
	assert.Equal(t, "approve", payload["decision"].(map[string]any)["outcome"])

	subject := payload["subject"].(map[string]any)
	assert.Equal(t, "user-42", subject["subject_id"])
	assert.Equal(t, "account_opening", subject["action"])

	assert.Equal(t, []any{"device_trust_high"}, payload["reason_codes"])
	assert.Equal(t, map[string]any{"fraud_model": "v3.2", "aml_model": "v1.0"}, payload["models"])
	assert.Equal(t, map[string]any{"selfie": "sha256:abc", "id_document": "sha256:def"}, payload["evidence"])
}

func TestScenario_RiskDegraded_NoDecisionEmitted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{"error": "boom"}`, http.StatusInternalServerError)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()

	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})
	resp := runIngress(t, d, "risk_evaluate", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "signals": map[string]any{},
	})
	assert.Equal(t, "ok", resp.Status)

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRiskFailed, wf.State)
	assert.Nil(t, wf.Decision)

	decisions, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerDecisionFinal, false)
	require.NoError(t, err)
	assert.Empty(t, decisions, "risk_failed must never emit decision.finalised on its own")
}

func TestScenario_MediumBandAMLGateEU_NoRecommendationFromEngine(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	// Engine supplies only a band and an AML component score, no decision at all.
	risk := newRiskServer(t, `{
		"final_risk": {"score": 0.45, "band": "medium"},
		"decision": {},
		"aml_score": 0.62,
		"jurisdiction": "EU"
	}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()

	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})
	runIngress(t, d, "risk_evaluate", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "signals": map[string]any{},
	})

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	require.NotNil(t, wf.Decision)
	// EU's medium-band AML threshold is 0.50; 0.62 exceeds it, so fusion's
	// fallback recommendation (since the engine gave none) is review.
	assert.Equal(t, model.DecisionReview, *wf.Decision)
	assert.True(t, wf.RequiresHuman)
}

func TestScenario_OverrideSupersedesEarliestDecision(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{
		"final_risk": {"score": 0.85, "band": "critical"},
		"decision": {"recommendation": "decline", "requires_human": false},
		"jurisdiction": "default",
		"factors": ["velocity_spike"],
		"models": {"fraud_model": "v3.2"}
	}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()

	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})
	runIngress(t, d, "risk_evaluate", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "signals": map[string]any{},
		"evidence_hashes": map[string]any{"selfie": "sha256:ghi"},
	})

	resp := runIngress(t, d, "override_applied", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "decision": "approve",
		"reason": "manual document review cleared the flag", "overridden_by": "operator-1",
	})
	assert.Equal(t, "ok", resp.Status)

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOverrideApplied, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, model.DecisionApprove, *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	decisions, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerDecisionFinal, false)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	first := decisions[0].Payload
	second := decisions[1].Payload
	assert.Equal(t, "decline", first["decision"].(map[string]any)["outcome"])
	assert.Equal(t, "approve", second["decision"].(map[string]any)["outcome"])

	assert.Equal(t, []any{"velocity_spike"}, first["reason_codes"])
	assert.Equal(t, map[string]any{"fraud_model": "v3.2"}, first["models"])
	assert.Equal(t, map[string]any{"selfie": "sha256:ghi"}, first["evidence"])

	// An override's reason_codes carry the human-supplied reason rather than
	// the risk engine's factors.
	assert.Equal(t, []any{"manual document review cleared the flag"}, second["reason_codes"])

	lineage := second["lineage"].(map[string]any)
	assert.Equal(t, first["decision_id"], lineage["supersedes_decision_id"])

	authority := second["authority"].(map[string]any)
	assert.Equal(t, true, authority["override"])
	assert.Equal(t, "human_operator", authority["decided_by"])
}

func TestScenario_EmbeddingsReady_NoStateTransition(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()

	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})
	wfBefore, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)

	resp := runIngress(t, d, "embeddings_ready", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "metadata": map[string]any{"model": "face-embed-v3"},
	})
	assert.Equal(t, "ok", resp.Status)

	wfAfter, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, wfBefore.State, wfAfter.State, "embeddings_ready must never change workflow state")

	events, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerEmbeddingsReady, false)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestScenario_UnknownEventType_IgnoredWithoutSideEffects(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	tenantID := "tenant-" + uuid.NewString()
	resp, err := d.Dispatch(context.Background(), model.IngressEventRequest{
		EventType: strPtr("banana.peeled"),
		Payload:   map[string]any{"tenant_id": tenantID},
	})
	require.NoError(t, err)
	assert.Equal(t, "ignored", resp.Status)
	assert.Equal(t, "unknown_event_type:banana_peeled", resp.Reason)
}

func TestScenario_UnknownOverrideDecisionIsRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()
	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})

	_, err := d.Dispatch(context.Background(), model.IngressEventRequest{
		Event: strPtr("override_applied"),
		Payload: map[string]any{
			"tenant_id": tenantID, "workflow_id": wfID, "decision": "maybe",
		},
	})
	assert.Error(t, err)
}

func TestScenario_OverrideWithNoPriorDecisionIsRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()
	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})

	_, err := d.Dispatch(context.Background(), model.IngressEventRequest{
		Event: strPtr("override_applied"),
		Payload: map[string]any{
			"tenant_id": tenantID, "workflow_id": wfID, "decision": "approve",
		},
	})
	require.ErrorIs(t, err, orchestrator.ErrNoPriorDecision)

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSelfieUploaded, wf.State, "rejected override must not mutate workflow state")
}

func TestScenario_RecordManualDecision_RoutesThroughDecisionAuthority(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{
		"final_risk": {"score": 0.85, "band": "critical"},
		"decision": {"recommendation": "decline", "requires_human": false},
		"jurisdiction": "default"
	}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()
	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})
	runIngress(t, d, "risk_evaluate", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "signals": map[string]any{},
	})

	md, err := d.RecordManualDecision(context.Background(), wfID, "approve", "document review cleared the flag", "operator-1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, md.Decision)
	assert.Equal(t, tenantID, md.TenantID)

	wf, err := testDB.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOverrideApplied, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, model.DecisionApprove, *wf.Decision)

	stored, err := testDB.GetManualDecisionsByWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "operator-1", stored[0].Actor)

	overrides, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerOverrideApplied, false)
	require.NoError(t, err)
	require.Len(t, overrides, 1)

	decisions, err := testDB.GetEventsByType(context.Background(), wfID, model.LedgerDecisionFinal, false)
	require.NoError(t, err)
	require.Len(t, decisions, 2, "manual decision must synthesise a decision.finalised, not write the cache directly")
}

func TestScenario_RecordManualDecision_NoPriorDecisionRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	risk := newRiskServer(t, `{}`, http.StatusOK)
	d := orchestrator.New(testDB, risk, logger)

	wfID := "wf-" + uuid.NewString()
	tenantID := "tenant-" + uuid.NewString()
	runIngress(t, d, "selfie_uploaded", map[string]any{
		"tenant_id": tenantID, "workflow_id": wfID, "session_id": "sess-selfie",
	})

	_, err := d.RecordManualDecision(context.Background(), wfID, "approve", "", "operator-1")
	require.ErrorIs(t, err, orchestrator.ErrNoPriorDecision)

	stored, err := testDB.GetManualDecisionsByWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Empty(t, stored, "rejected manual decision must not be recorded")
}
