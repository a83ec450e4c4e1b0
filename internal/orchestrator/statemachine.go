package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/turing-orchestrate/internal/fusion"
	"github.com/ashita-ai/turing-orchestrate/internal/model"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

// txRetries/txBaseDelay bound the serialization-conflict retry loop every
// handler runs inside.
const (
	txRetries   = 3
	txBaseDelay = 10 * time.Millisecond
)

// mutation is what a handler produces after locking the workflow row: the
// updated workflow plus the ledger events to append in the same transaction,
// in append order. manualDecision, if set, is also inserted in that same
// transaction — used only by the manual-decision HTTP path so a recorded
// manual decision and its synthesised override_applied event never diverge.
type mutation struct {
	workflow       model.Workflow
	events         []model.WorkflowEvent
	manualDecision *model.ManualDecision
}

// runHandler ensures the workflow exists, then runs the locked
// read-mutate-append-commit cycle, retrying on serialization conflicts. fn
// receives the row-locked workflow and returns the mutation to persist.
func (d *Dispatcher) runHandler(ctx context.Context, workflowID, tenantID string, fn func(wf model.Workflow) (mutation, error)) error {
	if _, err := d.db.GetOrCreateWorkflow(ctx, workflowID, tenantID); err != nil {
		return fmt.Errorf("orchestrator: get or create workflow: %w", err)
	}

	return storage.WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := d.db.Pool().BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("orchestrator: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		wf, err := d.db.GetWorkflowForUpdate(ctx, tx, workflowID)
		if err != nil {
			return err
		}

		m, err := fn(wf)
		if err != nil {
			return err
		}

		if err := storage.SaveWorkflowTx(ctx, tx, m.workflow); err != nil {
			return err
		}

		if len(m.events) > 0 {
			nums, err := d.db.ReserveSequenceNums(ctx, len(m.events))
			if err != nil {
				return fmt.Errorf("orchestrator: reserve sequence nums: %w", err)
			}
			for i := range m.events {
				m.events[i].SequenceNum = nums[i]
				if err := storage.InsertEventTx(ctx, tx, m.events[i]); err != nil {
					return err
				}
			}
		}

		if m.manualDecision != nil {
			if err := storage.InsertManualDecisionTx(ctx, tx, *m.manualDecision); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// handleSelfieUploaded records a selfie capture session against a workflow,
// creating the workflow if this is its first event. workflow_id falls back
// to session_id when absent, matching a selfie-first onboarding flow where no
// workflow has been created yet.
func (d *Dispatcher) handleSelfieUploaded(ctx context.Context, payload map[string]any, correlationID string) error {
	tenantID, _ := payload["tenant_id"].(string)
	sessionID, _ := payload["session_id"].(string)
	workflowID, _ := payload["workflow_id"].(string)
	if workflowID == "" {
		workflowID = sessionID
	}
	if tenantID == "" || sessionID == "" || workflowID == "" {
		return fmt.Errorf("%w: selfie_uploaded requires tenant_id and session_id", ErrInvalidPayload)
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.SelfieSessionID = &sessionID
		wf.State = model.StateSelfieUploaded
		wf.UpdatedAt = now
		if liveness, ok := payload["liveness"]; ok {
			wf.SetData("selfie.liveness", liveness)
		}
		if userID, ok := payload["user_id"].(string); ok && userID != "" {
			wf.SetData("user_id", userID)
		}
		if action, ok := payload["action"].(string); ok && action != "" {
			wf.SetData("action", action)
		}

		event := model.WorkflowEvent{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerSelfieUploaded, Payload: payload, CreatedAt: now,
		}
		return mutation{workflow: wf, events: []model.WorkflowEvent{event}}, nil
	})
}

// handleIDUploaded records an ID document capture session against a workflow.
func (d *Dispatcher) handleIDUploaded(ctx context.Context, payload map[string]any, correlationID string) error {
	tenantID, _ := payload["tenant_id"].(string)
	workflowID, _ := payload["workflow_id"].(string)
	idSessionID, _ := payload["id_session_id"].(string)
	if tenantID == "" || workflowID == "" || idSessionID == "" {
		return fmt.Errorf("%w: id_uploaded requires tenant_id, workflow_id, id_session_id", ErrInvalidPayload)
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.IDSessionID = &idSessionID
		wf.State = model.StateIDUploaded
		wf.UpdatedAt = now
		if metadata, ok := payload["document_metadata"]; ok {
			wf.SetData("id_document.metadata", metadata)
		}

		event := model.WorkflowEvent{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerIDUploaded, Payload: payload, CreatedAt: now,
		}
		return mutation{workflow: wf, events: []model.WorkflowEvent{event}}, nil
	})
}

// handleMatchCompleted records a face-match verdict and moves the workflow to
// match_verified or match_failed depending on the outcome.
func (d *Dispatcher) handleMatchCompleted(ctx context.Context, payload map[string]any, correlationID string) error {
	tenantID, _ := payload["tenant_id"].(string)
	workflowID, _ := payload["workflow_id"].(string)
	match, hasMatch := payload["match"].(bool)
	if tenantID == "" || workflowID == "" || !hasMatch {
		return fmt.Errorf("%w: match_completed requires tenant_id, workflow_id, match", ErrInvalidPayload)
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.UpdatedAt = now
		wf.SetData("match.is_match", match)
		if rawMatch, ok := payload["raw"]; ok {
			wf.SetData("match.raw", rawMatch)
		}
		if fusedScore, ok := payload["fused_score"]; ok {
			wf.SetData("match.fused_score", fusedScore)
		}
		if match {
			wf.State = model.StateMatchVerified
		} else {
			wf.State = model.StateMatchFailed
		}

		event := model.WorkflowEvent{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerMatchCompleted, Payload: payload, CreatedAt: now,
		}
		return mutation{workflow: wf, events: []model.WorkflowEvent{event}}, nil
	})
}

// handleRiskEvaluate calls the risk engine outside any transaction, then
// commits the workflow's resulting state plus the risk_evaluated ledger entry
// (and, on success, a decision.finalised event) in a single transaction. On a
// degraded risk result the workflow moves to risk_failed and no decision is
// emitted — it stays un-decided until a human override arrives.
func (d *Dispatcher) handleRiskEvaluate(ctx context.Context, payload map[string]any, correlationID string) error {
	tenantID, _ := payload["tenant_id"].(string)
	workflowID, _ := payload["workflow_id"].(string)
	if tenantID == "" || workflowID == "" {
		return fmt.Errorf("%w: risk_evaluate requires tenant_id, workflow_id", ErrInvalidPayload)
	}
	signals, _ := payload["signals"].(map[string]any)
	if signals == nil {
		signals = map[string]any{}
	}

	result, err := d.risk.Evaluate(ctx, signals)
	if err != nil {
		return fmt.Errorf("orchestrator: evaluate risk: %w", err)
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.UpdatedAt = now

		resultMap, err := toPayloadMap(result)
		if err != nil {
			return mutation{}, fmt.Errorf("orchestrator: marshal risk result: %w", err)
		}
		wf.SetData("risk_result", resultMap)
		if evidence, ok := payload["evidence_hashes"]; ok {
			wf.SetData("evidence_hashes", evidence)
		}

		events := []model.WorkflowEvent{{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerRiskEvaluated,
			Payload:   map[string]any{"signals": signals, "result": resultMap},
			CreatedAt: now,
		}}

		if result.Degraded {
			wf.State = model.StateRiskFailed
			wf.SetData("risk_error", resultMap)
			return mutation{workflow: wf, events: events}, nil
		}

		wf.State = model.StateRiskEvaluated
		reasonCodes := result.Factors
		if reasonCodes == nil {
			reasonCodes = []string{}
		}
		score := result.Score
		band := result.Band
		wf.RiskScore = &score
		wf.RiskBand = &band

		recommendation := result.Recommendation
		if recommendation == "" {
			// The engine didn't compute a recommendation (only a band and raw
			// component scores) — derive it from policy ourselves.
			recommendation = string(fusion.Recommend(fusion.Band(band), result.AML, result.Jurisdiction))
		}
		outcome, err := model.ValidDecisionOutcome(recommendation)
		if err != nil {
			return mutation{}, fmt.Errorf("orchestrator: invalid risk recommendation %q: %w", recommendation, err)
		}
		wf.Decision = &outcome
		requiresHuman := result.RequiresHuman || fusion.RequiresHuman(fusion.Recommendation(recommendation))
		wf.RequiresHuman = requiresHuman

		decisionEvent, err := emitDecisionFinalised(wf, decisionOpts{
			correlationID: correlationID,
			outcome:       outcome,
			confidence:    result.Confidence,
			requiresHuman: requiresHuman,
			jurisdiction:  result.Jurisdiction,
			policyVersion: result.PolicyVersion,
			band:          band,
			riskScore:     score,
			scores: model.ComponentScores{
				Fraud: result.Fraud, AML: result.AML, Credit: result.Credit, Liquidity: result.Liquidity,
			},
			reasonCodes: reasonCodes,
			models:      result.Models,
			decidedBy:   decidedByOrchestrator,
			override:    false,
		})
		if err != nil {
			return mutation{}, err
		}
		events = append(events, decisionEvent)

		return mutation{workflow: wf, events: events}, nil
	})
}

// handleOverrideApplied records a human operator's override and emits a new
// decision.finalised superseding the workflow's earliest prior decision.
func (d *Dispatcher) handleOverrideApplied(ctx context.Context, payload map[string]any, correlationID string) error {
	workflowID, _ := payload["workflow_id"].(string)
	decisionStr, _ := payload["decision"].(string)
	reason, _ := payload["reason"].(string)
	if workflowID == "" || decisionStr == "" {
		return fmt.Errorf("%w: override_applied requires workflow_id, decision", ErrInvalidPayload)
	}
	outcome, err := model.ValidDecisionOutcome(decisionStr)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return d.applyOverride(ctx, workflowID, outcome, reason, correlationID, payload, nil)
}

// RecordManualDecision handles POST /workflow/{id}/manual-decision. Per the
// Decision Authority invariant, a manual decision never writes the workflow
// cache directly: it synthesises an override_applied event (as if it had
// arrived through ingress) and inserts the manual_decisions audit row in the
// same transaction, so the two can never diverge.
func (d *Dispatcher) RecordManualDecision(ctx context.Context, workflowID string, decisionStr, reason, actor string) (model.ManualDecision, error) {
	outcome, err := model.ValidDecisionOutcome(decisionStr)
	if err != nil {
		return model.ManualDecision{}, fmt.Errorf("orchestrator: %w", err)
	}

	md := model.ManualDecision{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Decision:   outcome,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}

	payload := map[string]any{
		"workflow_id": workflowID,
		"decision":    decisionStr,
		"reason":      reason,
		"actor":       actor,
	}

	if err := d.applyOverride(ctx, workflowID, outcome, reason, "", payload, &md); err != nil {
		return model.ManualDecision{}, err
	}
	return md, nil
}

// applyOverride is the shared core of handleOverrideApplied and
// RecordManualDecision: both ultimately append an override_applied ledger
// event and a superseding decision.finalised event, differing only in
// whether a manual_decisions audit row is attached.
func (d *Dispatcher) applyOverride(
	ctx context.Context,
	workflowID string,
	outcome model.DecisionOutcome,
	reason, correlationID string,
	payload map[string]any,
	manualDecision *model.ManualDecision,
) error {
	existing, err := d.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("orchestrator: load workflow for override: %w", err)
	}
	tenantID := existing.TenantID
	if manualDecision != nil {
		manualDecision.TenantID = tenantID
	}

	priorDecisions, err := d.db.GetEventsByType(ctx, workflowID, model.LedgerDecisionFinal, false)
	if err != nil {
		return fmt.Errorf("orchestrator: load prior decisions: %w", err)
	}
	if len(priorDecisions) == 0 {
		return ErrNoPriorDecision
	}
	id := decisionIDFromEvent(priorDecisions[0])
	supersedesID := &id
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.State = model.StateOverrideApplied
		wf.Decision = &outcome
		wf.RequiresHuman = false
		wf.UpdatedAt = now

		overrideEvent := model.WorkflowEvent{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerOverrideApplied, Payload: payload, CreatedAt: now,
		}

		var band string
		var riskScore float64
		var scores model.ComponentScores
		if wf.RiskBand != nil {
			band = *wf.RiskBand
		}
		if wf.RiskScore != nil {
			riskScore = *wf.RiskScore
		}

		decisionEvent, err := emitDecisionFinalised(wf, decisionOpts{
			correlationID:        correlationID,
			outcome:              outcome,
			confidence:           1.0,
			requiresHuman:        false,
			band:                 band,
			riskScore:            riskScore,
			scores:               scores,
			reasonCodes:          reasonCodesFromReason(reason),
			decidedBy:            decidedByHuman,
			override:             true,
			supersedesDecisionID: supersedesID,
			overrideReason:       reasonPtr,
			overrideTimestamp:    &now,
		})
		if err != nil {
			return mutation{}, err
		}

		if manualDecision != nil {
			return mutation{
				workflow:       wf,
				events:         []model.WorkflowEvent{overrideEvent, decisionEvent},
				manualDecision: manualDecision,
			}, nil
		}
		return mutation{workflow: wf, events: []model.WorkflowEvent{overrideEvent, decisionEvent}}, nil
	})
}

// handleEmbeddingsReady records a capture-service embeddings-ready signal
// against a workflow. It is recognized but causes no state transition: the
// signal is forward compatibility for a future capture-service feature, not
// part of the identity-verification state machine itself.
func (d *Dispatcher) handleEmbeddingsReady(ctx context.Context, payload map[string]any, correlationID string) error {
	tenantID, _ := payload["tenant_id"].(string)
	workflowID, _ := payload["workflow_id"].(string)
	if tenantID == "" || workflowID == "" {
		return fmt.Errorf("%w: embeddings_ready requires tenant_id, workflow_id", ErrInvalidPayload)
	}

	return d.runHandler(ctx, workflowID, tenantID, func(wf model.Workflow) (mutation, error) {
		now := time.Now().UTC()
		wf.UpdatedAt = now
		if metadata, ok := payload["metadata"]; ok {
			wf.SetData("embeddings", metadata)
		}

		event := model.WorkflowEvent{
			ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: wf.TenantID,
			EventType: model.LedgerEmbeddingsReady, Payload: payload, CreatedAt: now,
		}
		return mutation{workflow: wf, events: []model.WorkflowEvent{event}}, nil
	})
}
