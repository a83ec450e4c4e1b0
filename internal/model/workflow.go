// Package model holds the core domain types shared across the orchestrator:
// workflows, their event ledger, manual decisions, and the decision payload
// shape emitted by the Decision Authority.
package model

import (
	"fmt"
	"strings"
	"time"
)

// WorkflowState is one of the fixed states a Workflow may occupy.
type WorkflowState string

const (
	StatePending          WorkflowState = "pending"
	StateSelfieUploaded   WorkflowState = "selfie_uploaded"
	StateIDUploaded       WorkflowState = "id_uploaded"
	StateMatchVerified    WorkflowState = "match_verified"
	StateMatchFailed      WorkflowState = "match_failed"
	StateRiskEvaluated    WorkflowState = "risk_evaluated"
	StateRiskFailed       WorkflowState = "risk_failed"
	StateOverrideApplied  WorkflowState = "override_applied"
)

// DecisionOutcome is the tri-state outcome recorded on a workflow and on
// every decision.finalised event. It is a cache on Workflow; the ledger is
// authoritative.
type DecisionOutcome string

const (
	DecisionApprove DecisionOutcome = "approve"
	DecisionReview  DecisionOutcome = "review"
	DecisionDecline DecisionOutcome = "decline"
)

// CanProceed reports whether this outcome allows the subject to proceed.
func (d DecisionOutcome) CanProceed() bool {
	return d == DecisionApprove || d == DecisionReview
}

// ValidDecisionOutcome checks that a string is one of the three recognised outcomes.
func ValidDecisionOutcome(s string) (DecisionOutcome, error) {
	switch DecisionOutcome(s) {
	case DecisionApprove, DecisionReview, DecisionDecline:
		return DecisionOutcome(s), nil
	default:
		return "", fmt.Errorf("model: invalid decision outcome %q", s)
	}
}

// Workflow is the mutable per-subject record a State Machine handler upserts.
// decision is a derived cache of the latest decision.finalised outcome; it is
// never authoritative — the event ledger is (see internal/orchestrator).
type Workflow struct {
	ID              string
	TenantID        string
	State           WorkflowState
	SelfieSessionID *string
	IDSessionID     *string
	RiskScore       *float64
	RiskBand        *string
	Decision        *DecisionOutcome
	RequiresHuman   bool
	Data            map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewWorkflow returns a fresh pending workflow for get_or_create semantics.
func NewWorkflow(id, tenantID string, now time.Time) Workflow {
	return Workflow{
		ID:        id,
		TenantID:  tenantID,
		State:     StatePending,
		Data:      map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// setData assigns a dotted-path key in Data, creating intermediate maps as needed.
// Used by state-machine handlers to write e.g. "selfie.liveness" or "match.fused_score".
func (w *Workflow) setData(path string, value any) {
	if w.Data == nil {
		w.Data = map[string]any{}
	}
	parts := strings.Split(path, ".")
	m := w.Data
	for _, key := range parts[:len(parts)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// SetData is the exported form of setData for handlers outside this package.
func (w *Workflow) SetData(path string, value any) {
	w.setData(path, value)
}
