package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

const (
	serviceVersion        = "1.0.0"
	policyPack            = "identity-core"
	decidedByOrchestrator = "turing_orchestrate"
	decidedByHuman        = "human_operator"
)

// decisionOpts carries everything emitDecisionFinalised needs to build a
// decision.finalised payload. Built differently by the risk-evaluation path
// and the override path, never by anything else.
type decisionOpts struct {
	correlationID        string
	outcome              model.DecisionOutcome
	confidence           float64
	requiresHuman        bool
	jurisdiction         string
	policyVersion        string
	band                 string
	riskScore            float64
	scores               model.ComponentScores
	reasonCodes          []string
	models               map[string]any
	decidedBy            string
	override             bool
	supersedesDecisionID *string
	overrideReason       *string
	overrideTimestamp    *time.Time
}

// emitDecisionFinalised is the only function in the module that constructs a
// decision.finalised WorkflowEvent. It is unexported: the only call sites are
// the risk-evaluation success path and the override path in statemachine.go.
// No other code may build one of these for a ledger append.
func emitDecisionFinalised(wf model.Workflow, opts decisionOpts) (model.WorkflowEvent, error) {
	now := time.Now().UTC()
	decisionID := fmt.Sprintf("dec_%s_%s", wf.ID, uuid.NewString())

	subjectID, _ := wf.Data["user_id"].(string)
	if subjectID == "" {
		subjectID = wf.ID
	}
	action, _ := wf.Data["action"].(string)
	if action == "" {
		action = "onboarding"
	}

	payload := model.DecisionPayload{
		DecisionID:    decisionID,
		CorrelationID: opts.correlationID,
		Subject: model.DecisionSubject{
			SubjectType: "user",
			SubjectID:   subjectID,
			Action:      action,
		},
		Decision: model.DecisionDetail{
			Outcome:       opts.outcome,
			Confidence:    opts.confidence,
			RequiresHuman: opts.requiresHuman,
			CanProceed:    opts.outcome.CanProceed(),
		},
		Policy: model.DecisionPolicy{
			Jurisdiction:  opts.jurisdiction,
			PolicyPack:    policyPack,
			PolicyVersion: opts.policyVersion,
		},
		RiskSummary: model.DecisionRiskSummary{
			OverallRisk: opts.band,
			RiskScore:   opts.riskScore,
			Scores:      opts.scores,
		},
		ReasonCodes: opts.reasonCodes,
		Models:      opts.models,
		Evidence:    asMap(wf.Data["evidence_hashes"]),
		Lineage: model.DecisionLineage{
			SupersedesDecisionID: opts.supersedesDecisionID,
			OverrideReason:       opts.overrideReason,
			OverrideTimestamp:    opts.overrideTimestamp,
		},
		Authority: model.DecisionAuthorityInfo{
			DecidedBy:      opts.decidedBy,
			ServiceVersion: serviceVersion,
			Override:       opts.override,
		},
	}

	payloadMap, err := toPayloadMap(payload)
	if err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("orchestrator: marshal decision payload: %w", err)
	}

	return model.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		EventType:  model.LedgerDecisionFinal,
		Payload:    payloadMap,
		CreatedAt:  now,
	}, nil
}

// toPayloadMap round-trips v through JSON to get the map[string]any shape
// WorkflowEvent.Payload expects, keeping field tags (json:"...") as the
// single source of truth for the ledger's on-disk key names.
func toPayloadMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// asMap type-asserts v (typically a value pulled out of a workflow's
// free-form data bag) into a map[string]any, returning nil if v is absent or
// not of that shape.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// decisionIDFromEvent extracts decision_id from a decision.finalised event's
// payload, for lineage.supersedes_decision_id on an override.
func decisionIDFromEvent(ev model.WorkflowEvent) string {
	id, _ := ev.Payload["decision_id"].(string)
	return id
}

// reasonCodesFromReason wraps an override reason as a single-element reason
// code slice, or an empty slice if no reason was given.
func reasonCodesFromReason(reason string) []string {
	if reason == "" {
		return []string{}
	}
	return []string{reason}
}
