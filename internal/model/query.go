package model

// WorkflowListFilter is the filter for GET /workflows.
type WorkflowListFilter struct {
	TenantID string
	State    *WorkflowState
	Limit    int // capped at 200
}

// DefaultWorkflowListLimit and MaxWorkflowListLimit bound list(tenant_id, state?, limit).
const (
	DefaultWorkflowListLimit = 50
	MaxWorkflowListLimit     = 200
)

// DecisionTimeline is the response shape for
// GET /investigator/workflows/{id}/decisions.
type DecisionTimeline struct {
	WorkflowID   string            `json:"workflow_id"`
	Decisions    []DecisionPayload `json:"decisions"` // ascending by created_at
	HasOverrides bool              `json:"has_overrides"`
}

// WorkflowView is the response shape for GET /workflow/{id}: current state
// plus the latest decision derived from the ledger, not the workflow's
// cached decision field, which is a convenience copy only.
type WorkflowView struct {
	Workflow       Workflow         `json:"workflow"`
	LatestDecision *DecisionPayload `json:"latest_decision,omitempty"`
}
