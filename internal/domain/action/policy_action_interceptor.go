package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
	"github.com/aegisgate/aegisgate/internal/domain/proxy"
)

// PolicyActionInterceptor evaluates CanonicalActions against the hybrid
// policy engine. This is the natively migrated version of
// proxy.PolicyInterceptor -- it operates directly on CanonicalAction instead
// of going through LegacyAdapter.
type PolicyActionInterceptor struct {
	policyEngine policy.Engine
	next         ActionInterceptor
	logger       *slog.Logger
}

// Compile-time check that PolicyActionInterceptor implements ActionInterceptor.
var _ ActionInterceptor = (*PolicyActionInterceptor)(nil)

// NewPolicyActionInterceptor creates a new PolicyActionInterceptor.
func NewPolicyActionInterceptor(engine policy.Engine, next ActionInterceptor, logger *slog.Logger) *PolicyActionInterceptor {
	return &PolicyActionInterceptor{
		policyEngine: engine,
		next:         next,
		logger:       logger,
	}
}

// canonicalActionToDecisionAction maps a CanonicalAction's type to the
// canonical decision.Action enum evaluated by the policy engine.
func canonicalActionToDecisionAction(t ActionType) decision.Action {
	switch t {
	case ActionHTTPRequest:
		return decision.ActionRead
	default:
		return decision.ActionExecute
	}
}

// Intercept evaluates tool calls and HTTP requests against policies before passing
// to the next interceptor. Other action types pass through without policy evaluation.
func (p *PolicyActionInterceptor) Intercept(ctx context.Context, act *CanonicalAction) (*CanonicalAction, error) {
	// Only evaluate tool calls and HTTP requests (incl. WebSocket upgrades)
	if act.Type != ActionToolCall && act.Type != ActionHTTPRequest {
		return p.next.Intercept(ctx, act)
	}

	// Identity check: session must be set by AuthInterceptor upstream
	if act.Identity.SessionID == "" {
		p.logger.Warn("action without session context", "type", act.Type)
		return nil, proxy.ErrMissingSession
	}

	resource := decisionResource(act)
	dctx := decisionContextForAction(act, resource)

	d, err := p.policyEngine.Decide(ctx, dctx, nil)
	if err != nil {
		p.logger.Error("policy evaluation failed",
			"error", err,
			"resource", resource,
			"session_id", act.Identity.SessionID,
		)
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	if d.Decision != policy.Permit {
		p.logger.Info("tool call denied by policy",
			"resource", resource,
			"decision", d.Decision,
			"reason", d.Reason,
			"session_id", act.Identity.SessionID,
			"identity_id", act.Identity.ID,
		)
		return nil, fmt.Errorf("%w: %s", proxy.ErrPolicyDenied, d.Reason)
	}

	// Store decision in context for downstream interceptors.
	ctx = policy.WithDecision(ctx, &d)

	p.logger.Debug("tool call allowed by policy",
		"resource", resource,
		"session_id", act.Identity.SessionID,
	)

	return p.next.Intercept(ctx, act)
}
