package model

import "time"

// DecisionPayload is the shape of a decision.finalised event's payload.
// Constructed exclusively by internal/orchestrator's Decision Authority —
// no other call site may build one of these for a ledger append.
type DecisionPayload struct {
	DecisionID    string              `json:"decision_id"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Subject       DecisionSubject     `json:"subject"`
	Decision      DecisionDetail      `json:"decision"`
	Policy        DecisionPolicy      `json:"policy"`
	RiskSummary   DecisionRiskSummary `json:"risk_summary"`
	ReasonCodes   []string            `json:"reason_codes"`
	Models        map[string]any      `json:"models,omitempty"`
	Evidence      map[string]any      `json:"evidence,omitempty"`
	Lineage       DecisionLineage     `json:"lineage"`
	Authority     DecisionAuthorityInfo `json:"authority"`
}

type DecisionSubject struct {
	SubjectType string `json:"subject_type,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	Action      string `json:"action,omitempty"`
}

type DecisionDetail struct {
	Outcome       DecisionOutcome `json:"outcome"`
	Confidence    float64         `json:"confidence"`
	RequiresHuman bool            `json:"requires_human"`
	CanProceed    bool            `json:"can_proceed"`
}

type DecisionPolicy struct {
	Jurisdiction  string `json:"jurisdiction"`
	PolicyPack    string `json:"policy_pack"`
	PolicyVersion string `json:"policy_version"`
}

type DecisionRiskSummary struct {
	OverallRisk string          `json:"overall_risk"`
	RiskScore   float64         `json:"risk_score"`
	Scores      ComponentScores `json:"scores"`
}

// ComponentScores holds the four risk component scores the risk engine
// supplies; also the fusion input shape consumed by internal/fusion.
type ComponentScores struct {
	Fraud     float64 `json:"fraud"`
	AML       float64 `json:"aml"`
	Credit    float64 `json:"credit"`
	Liquidity float64 `json:"liquidity"`
}

type DecisionLineage struct {
	SupersedesDecisionID *string    `json:"supersedes_decision_id"`
	OverriddenBy         *string    `json:"overridden_by"`
	OverrideReason       *string    `json:"override_reason,omitempty"`
	OverrideTimestamp    *time.Time `json:"override_timestamp,omitempty"`
}

type DecisionAuthorityInfo struct {
	DecidedBy      string `json:"decided_by"`
	ServiceVersion string `json:"service_version"`
	Override       bool   `json:"override"`
}

// ManualDecision is an auxiliary operator-facing audit record, captured
// separately from the event ledger. Recording one funnels into the Decision
// Authority by synthesising an override.applied event rather than writing
// the workflow's decision cache directly, so the ledger stays the single
// source of truth for how a workflow reached its outcome.
type ManualDecision struct {
	ID         string
	WorkflowID string
	TenantID   string
	Decision   DecisionOutcome
	Reason     string
	Actor      string
	CreatedAt  time.Time
}
