package model

import "time"

// LedgerEventType enumerates the event_type values that may appear in the
// append-only WorkflowEvent ledger. Note decision.finalised and
// override.applied keep the dotted form in storage — only inbound
// event_type values get normalised to underscores at the ingress boundary
// (internal/orchestrator.Normalize).
type LedgerEventType string

const (
	LedgerSelfieUploaded  LedgerEventType = "selfie_uploaded"
	LedgerIDUploaded      LedgerEventType = "id_uploaded"
	LedgerMatchCompleted  LedgerEventType = "match_completed"
	LedgerRiskEvaluated   LedgerEventType = "risk_evaluated"
	LedgerRiskFailed      LedgerEventType = "risk_failed"
	LedgerDecisionFinal   LedgerEventType = "decision.finalised"
	LedgerOverrideApplied LedgerEventType = "override.applied"
	// LedgerEmbeddingsReady is a recognized-but-no-op event type for forward
	// compatibility with a future capture-service signal: recorded on the
	// ledger and merged into data.embeddings, but never triggers a state
	// transition.
	LedgerEmbeddingsReady LedgerEventType = "embeddings_ready"
)

// WorkflowEvent is an append-only entry in the workflow's event ledger.
// Never updated or deleted after insert.
type WorkflowEvent struct {
	ID          string
	WorkflowID  string
	TenantID    string
	EventType   LedgerEventType
	SequenceNum int64
	Payload     map[string]any
	ContentHash string
	CreatedAt   time.Time
}
