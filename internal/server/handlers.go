package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/turing-orchestrate/internal/auth"
	"github.com/ashita-ai/turing-orchestrate/internal/authz"
	"github.com/ashita-ai/turing-orchestrate/internal/config"
	"github.com/ashita-ai/turing-orchestrate/internal/integrity"
	"github.com/ashita-ai/turing-orchestrate/internal/model"
	"github.com/ashita-ai/turing-orchestrate/internal/orchestrator"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

// HandlersDeps carries everything the HTTP handlers need to operate.
type HandlersDeps struct {
	DB                  *storage.DB
	Dispatcher          *orchestrator.Dispatcher
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	StartedAt           time.Time
}

// Handlers implements the HTTP API surface.
type Handlers struct {
	db                  *storage.DB
	dispatcher          *orchestrator.Dispatcher
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// NewHandlers builds a Handlers from its dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:                  deps.DB,
		dispatcher:          deps.Dispatcher,
		jwtMgr:              deps.JWTMgr,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		startedAt:           deps.StartedAt,
	}
}

// handleIngress handles POST /v1/events: the single inbound event entry
// point for every capture/risk-adjacent service.
func (h *Handlers) handleIngress(w http.ResponseWriter, r *http.Request) {
	var req model.IngressEventRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	tenantID, _ := req.Payload["tenant_id"].(string)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload.tenant_id is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRoleAndTenant(claims, model.RoleService, tenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	var correlationID string
	if req.CorrelationID != nil {
		correlationID = *req.CorrelationID
	}

	if !h.beginIngressIdempotency(w, r, tenantID, correlationID, req) {
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.clearIngressIdempotency(r.Context(), tenantID, correlationID)
		h.writeDispatchError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, resp)
	h.completeIngressIdempotency(tenantID, correlationID, http.StatusAccepted, model.APIResponse{
		Data: resp,
		Meta: model.ResponseMeta{RequestID: RequestIDFromContext(r.Context()), Timestamp: time.Now().UTC()},
	})
}

// writeDispatchError maps a dispatcher error to the right HTTP status: input
// validation failures are 400s, a missing prior decision on an override is a
// 409 conflict, everything else is a 500.
func (h *Handlers) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrMissingEventType),
		errors.Is(err, orchestrator.ErrAmbiguousEventType),
		errors.Is(err, orchestrator.ErrMissingTenantID),
		errors.Is(err, orchestrator.ErrInvalidPayload):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, orchestrator.ErrNoPriorDecision):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
	default:
		h.writeInternalError(w, r, "failed to process event", err)
	}
}

// handleGetWorkflow handles GET /workflow/{id}.
func (h *Handlers) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireTenant(claims, wf.TenantID); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
		return
	}

	latestEvent, err := h.db.GetLatestEventByType(r.Context(), id, model.LedgerDecisionFinal)
	if err != nil {
		h.writeInternalError(w, r, "failed to load decisions", err)
		return
	}

	view := model.WorkflowView{Workflow: wf}
	if latestEvent != nil {
		if p, err := decisionPayloadFromEvent(*latestEvent); err == nil {
			view.LatestDecision = &p
		}
	}

	writeJSON(w, r, http.StatusOK, view)
}

// handleListWorkflows handles GET /workflows?tenant_id=&state=&limit=.
func (h *Handlers) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireTenant(claims, tenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	filter := model.WorkflowListFilter{TenantID: tenantID}
	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		state := model.WorkflowState(stateStr)
		filter.State = &state
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	workflows, err := h.db.ListWorkflows(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list workflows", err)
		return
	}
	workflows = authz.FilterWorkflowsByTenant(claims, workflows)

	writeJSON(w, r, http.StatusOK, workflows)
}

// handleDecisionTimeline handles GET /investigator/workflows/{id}/decisions.
func (h *Handlers) handleDecisionTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRoleAndTenant(claims, model.RoleInvestigator, wf.TenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	decisions, err := h.db.GetEventsByType(r.Context(), id, model.LedgerDecisionFinal, false)
	if err != nil {
		h.writeInternalError(w, r, "failed to load decisions", err)
		return
	}
	overrides, err := h.db.GetEventsByType(r.Context(), id, model.LedgerOverrideApplied, false)
	if err != nil {
		h.writeInternalError(w, r, "failed to load overrides", err)
		return
	}

	timeline := model.DecisionTimeline{
		WorkflowID:   id,
		Decisions:    decisionPayloadsFromEvents(decisions),
		HasOverrides: len(overrides) > 0,
	}

	writeJSON(w, r, http.StatusOK, timeline)
}

// handleCurrentDecision handles GET /investigator/workflows/{id}/decisions/current.
func (h *Handlers) handleCurrentDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRoleAndTenant(claims, model.RoleInvestigator, wf.TenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	latestEvent, err := h.db.GetLatestEventByType(r.Context(), id, model.LedgerDecisionFinal)
	if err != nil {
		h.writeInternalError(w, r, "failed to load decisions", err)
		return
	}
	if latestEvent == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no decision recorded for this workflow")
		return
	}
	current, err := decisionPayloadFromEvent(*latestEvent)
	if err != nil {
		h.writeInternalError(w, r, "failed to decode decision", err)
		return
	}

	writeJSON(w, r, http.StatusOK, current)
}

// handleManualDecision handles POST /workflow/{id}/manual-decision. Gated to
// RoleOperator: investigators can read the decision timeline but cannot
// write one.
func (h *Handlers) handleManualDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRoleAndTenant(claims, model.RoleOperator, wf.TenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	var req model.ManualDecisionRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = claims.PrincipalID
	}

	decision, err := h.dispatcher.RecordManualDecision(r.Context(), id, req.Decision, req.Reason, req.Actor)
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, decision)
}

// handleVerifyIntegrity handles GET /investigator/workflows/{id}/verify: a
// best-effort tamper check over the workflow's own ledger entries, re-hashing
// each stored event and comparing it against the stored content_hash. This is
// independent of — and cheaper than — waiting for the periodic Merkle proof
// batch to cover the tenant.
func (h *Handlers) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found")
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRoleAndTenant(claims, model.RoleInvestigator, wf.TenantID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	events, err := h.db.GetEventsByWorkflow(r.Context(), id, false)
	if err != nil {
		h.writeInternalError(w, r, "failed to load ledger events", err)
		return
	}

	result := struct {
		WorkflowID  string   `json:"workflow_id"`
		EventCount  int      `json:"event_count"`
		Verified    bool     `json:"verified"`
		TamperedIDs []string `json:"tampered_event_ids,omitempty"`
		LatestProof *string  `json:"latest_proof_root,omitempty"`
	}{WorkflowID: id, EventCount: len(events), Verified: true}

	for _, ev := range events {
		ok, err := integrity.VerifyContentHash(ev.ContentHash, ev.ID, ev.WorkflowID, ev.TenantID,
			string(ev.EventType), ev.SequenceNum, ev.Payload, ev.CreatedAt)
		if err != nil {
			h.writeInternalError(w, r, "failed to verify ledger entry", err)
			return
		}
		if !ok {
			result.Verified = false
			result.TamperedIDs = append(result.TamperedIDs, ev.ID)
		}
	}

	proof, err := h.db.GetLatestIntegrityProof(r.Context(), wf.TenantID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load latest integrity proof", err)
		return
	}
	if proof != nil {
		result.LatestProof = &proof.RootHash
	}

	writeJSON(w, r, http.StatusOK, result)
}

// handleAuthToken handles POST /auth/token: exchanges a principal_id +
// api_key pair for a JWT.
func (h *Handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.PrincipalID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "principal_id and api_key are required")
		return
	}

	claims, err := verifyAPIKey(r.Context(), h.db, req.PrincipalID+":"+req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	principal, err := h.db.GetPrincipalByID(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load principal", err)
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(principal)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// handleScopedToken handles POST /auth/scoped-token: an operator mints a
// short-lived, tenant-scoped investigator token, e.g. to hand to an
// external auditor without sharing their own credentials.
func (h *Handlers) handleScopedToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if err := authz.RequireRole(claims, model.RoleOperator); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only operators may mint scoped tokens")
		return
	}

	var req model.ScopedTokenRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateTenantID(req.TenantID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.TenantID != claims.TenantID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "caller is not authorized for this tenant")
		return
	}

	ttl := time.Duration(req.ExpiresIn) * time.Second
	token, exp, err := h.jwtMgr.IssueScopedToken(claims.PrincipalID, req.TenantID, ttl)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue scoped token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ScopedTokenResponse{
		Token:     token,
		ExpiresAt: exp,
		TenantID:  req.TenantID,
		ScopedBy:  claims.PrincipalID,
	})
}

// handleHealth handles GET /health.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	pgStatus := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		status = "degraded"
		pgStatus = "unreachable"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// handleGetConfig handles GET /config: non-sensitive client-facing settings.
func (h *Handlers) handleGetConfig(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"version":               h.version,
			"rate_limit_per_minute": cfg.RateLimitPerMinute,
		})
	}
}

// decisionPayloadsFromEvents extracts DecisionPayload from decision.finalised
// ledger events, in ascending sequence order (events are already loaded that
// way by GetEventsByType).
func decisionPayloadsFromEvents(events []model.WorkflowEvent) []model.DecisionPayload {
	out := make([]model.DecisionPayload, 0, len(events))
	for _, ev := range events {
		p, err := decisionPayloadFromEvent(ev)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// decisionPayloadFromEvent round-trips a ledger event's payload map back into
// a DecisionPayload struct.
func decisionPayloadFromEvent(ev model.WorkflowEvent) (model.DecisionPayload, error) {
	var p model.DecisionPayload
	if err := remarshal(ev.Payload, &p); err != nil {
		return model.DecisionPayload{}, fmt.Errorf("server: decode decision payload: %w", err)
	}
	return p, nil
}

// remarshal round-trips src through JSON into dst, the inverse of
// orchestrator.toPayloadMap.
func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
