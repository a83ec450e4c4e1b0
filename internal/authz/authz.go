// Package authz provides authorization helpers for the HTTP server.
//
// The orchestrator has no cross-principal sharing concept: every principal
// (service, operator, investigator) is scoped to exactly one tenant via its
// JWT claims, and every resource (Workflow, WorkflowEvent, ManualDecision)
// carries a tenant_id. Authorization is therefore two checks, not a grant
// graph: does the caller's role meet the operation's minimum, and does the
// caller's tenant match the resource's tenant.
package authz

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/turing-orchestrate/internal/auth"
	"github.com/ashita-ai/turing-orchestrate/internal/model"
)

// ErrForbidden is returned when the caller's role or tenant scope does not
// permit the requested operation.
var ErrForbidden = errors.New("authz: forbidden")

// RequireRole checks that claims carries at least minRole. Returns
// ErrForbidden (wrapped with the role for logging) if not.
func RequireRole(claims *auth.Claims, minRole model.Role) error {
	if claims == nil || !model.RoleAtLeast(claims.Role, minRole) {
		got := model.Role("")
		if claims != nil {
			got = claims.Role
		}
		return fmt.Errorf("%w: role %q does not meet minimum %q", ErrForbidden, got, minRole)
	}
	return nil
}

// RequireTenant checks that claims is scoped to tenantID. There is no
// cross-tenant read path in this system: an investigator token scoped to
// tenant A can never see tenant B's workflows, regardless of role.
func RequireTenant(claims *auth.Claims, tenantID string) error {
	if claims == nil || claims.TenantID != tenantID {
		return fmt.Errorf("%w: caller is not scoped to tenant %q", ErrForbidden, tenantID)
	}
	return nil
}

// RequireRoleAndTenant combines RequireRole and RequireTenant, the shape
// every query-surface handler needs: a minimum role plus a matching tenant.
func RequireRoleAndTenant(claims *auth.Claims, minRole model.Role, tenantID string) error {
	if err := RequireRole(claims, minRole); err != nil {
		return err
	}
	return RequireTenant(claims, tenantID)
}

// FilterWorkflowsByTenant keeps only the workflows the caller's tenant scope
// permits. Operators and services only ever query their own tenant_id (the
// HTTP handler enforces this via RequireTenant before the query runs), but
// this guards against a handler bug leaking another tenant's rows through a
// shared query path.
func FilterWorkflowsByTenant(claims *auth.Claims, workflows []model.Workflow) []model.Workflow {
	if claims == nil {
		return nil
	}
	allowed := make([]model.Workflow, 0, len(workflows))
	for _, w := range workflows {
		if w.TenantID == claims.TenantID {
			allowed = append(allowed, w)
		}
	}
	return allowed
}
