// Package orchestrator implements the workflow state machine, the Decision
// Authority, and the event dispatcher that routes inbound ingress events to
// state-machine handlers.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ashita-ai/turing-orchestrate/internal/model"
	"github.com/ashita-ai/turing-orchestrate/internal/riskclient"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

var (
	ErrMissingEventType   = errors.New("orchestrator: event or event_type is required")
	ErrAmbiguousEventType = errors.New("orchestrator: event and event_type disagree")
	ErrMissingTenantID    = errors.New("orchestrator: payload.tenant_id is required")
	ErrInvalidPayload     = errors.New("orchestrator: invalid event payload")
	ErrNoPriorDecision    = errors.New("orchestrator: override targets a workflow with no prior decision")
)

// eventHandler mutates workflow state for one inbound event type.
type eventHandler func(ctx context.Context, payload map[string]any, correlationID string) error

// Dispatcher routes normalised event types to state-machine handlers.
type Dispatcher struct {
	db       *storage.DB
	risk     *riskclient.Client
	logger   *slog.Logger
	handlers map[string]eventHandler
}

// New builds a Dispatcher with all known event handlers registered.
func New(db *storage.DB, risk *riskclient.Client, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{db: db, risk: risk, logger: logger}
	d.handlers = map[string]eventHandler{
		"selfie_uploaded":  d.handleSelfieUploaded,
		"id_uploaded":      d.handleIDUploaded,
		"match_completed":  d.handleMatchCompleted,
		"risk_evaluate":    d.handleRiskEvaluate,
		"override_applied": d.handleOverrideApplied,
		"embeddings_ready": d.handleEmbeddingsReady,
	}
	return d
}

// Normalize converts a dotted event type (e.g. "override.applied") to its
// underscore form ("override_applied"). Only inbound event_type values are
// normalised this way — ledger event types for decision.finalised and
// override.applied keep their dotted form in storage.
func Normalize(eventType string) string {
	return strings.ReplaceAll(eventType, ".", "_")
}

// resolveEventType picks the event type from the legacy Event field or the
// newer EventType field, rejecting the request if both are present and
// disagree once normalised.
func resolveEventType(req model.IngressEventRequest) (string, error) {
	switch {
	case req.Event != nil && req.EventType != nil:
		if Normalize(*req.Event) != Normalize(*req.EventType) {
			return "", ErrAmbiguousEventType
		}
		return *req.EventType, nil
	case req.EventType != nil:
		return *req.EventType, nil
	case req.Event != nil:
		return *req.Event, nil
	default:
		return "", ErrMissingEventType
	}
}

// Dispatch normalises the request's event type, rejects payloads missing
// tenant_id, and routes to the matching handler. Unknown types are not an
// error — they return an "ignored" status so the caller never has to treat
// forward-compatible events as failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.IngressEventRequest) (model.IngressEventResponse, error) {
	rawType, err := resolveEventType(req)
	if err != nil {
		return model.IngressEventResponse{}, err
	}
	normalized := Normalize(rawType)

	tenantID, _ := req.Payload["tenant_id"].(string)
	if tenantID == "" {
		return model.IngressEventResponse{}, ErrMissingTenantID
	}

	handler, ok := d.handlers[normalized]
	if !ok {
		return model.IngressEventResponse{Status: "ignored", Reason: "unknown_event_type:" + normalized}, nil
	}

	correlationID := ""
	if req.CorrelationID != nil {
		correlationID = *req.CorrelationID
	}

	if err := handler(ctx, req.Payload, correlationID); err != nil {
		return model.IngressEventResponse{}, err
	}

	return model.IngressEventResponse{Status: "ok", Processed: normalized}, nil
}
