package action

import (
	"context"
	"log/slog"

	"github.com/aegisgate/aegisgate/internal/domain/enforcement"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// EnforcementInterceptor runs the post-decision enforcement system over an
// action that has already cleared policy evaluation: constraint
// transformers apply first and may themselves reject the action (e.g. a
// rate-limiter directive with no tokens left), then obligation executors
// run as best-effort side effects. It reads the Decision
// PolicyActionInterceptor stashes in ctx, so it must sit downstream of that
// interceptor in the chain; an action with no stashed decision, or one
// whose decision carries neither constraints nor obligations, passes
// through untouched.
type EnforcementInterceptor struct {
	registry *enforcement.Registry
	next     ActionInterceptor
	logger   *slog.Logger
}

// NewEnforcementInterceptor creates an EnforcementInterceptor dispatching
// through registry.
func NewEnforcementInterceptor(registry *enforcement.Registry, next ActionInterceptor, logger *slog.Logger) *EnforcementInterceptor {
	return &EnforcementInterceptor{registry: registry, next: next, logger: logger}
}

// Compile-time check that EnforcementInterceptor implements ActionInterceptor.
var _ ActionInterceptor = (*EnforcementInterceptor)(nil)

// Intercept implements ActionInterceptor.
func (e *EnforcementInterceptor) Intercept(ctx context.Context, act *CanonicalAction) (*CanonicalAction, error) {
	d := policy.DecisionFromContext(ctx)
	if d == nil || (len(d.Constraints) == 0 && len(d.Obligations) == 0) {
		return e.next.Intercept(ctx, act)
	}

	dctx := decisionContextForAction(act, decisionResource(act))
	target := &enforcement.Target{
		RequestID:     act.RequestID,
		Name:          act.Name,
		AgentID:       act.Identity.ID,
		SessionID:     act.Identity.SessionID,
		Arguments:     act.Arguments,
		Metadata:      act.Metadata,
		DestinationIP: act.Destination.IP,
	}

	if err := e.registry.ApplyConstraints(ctx, dctx, target, d); err != nil {
		e.logger.Info("action rejected by constraint transformer",
			"error", err,
			"name", act.Name,
			"session_id", act.Identity.SessionID,
		)
		return nil, err
	}
	act.Arguments = target.Arguments
	act.Metadata = target.Metadata

	e.registry.ExecuteObligations(ctx, dctx, target, d)

	return e.next.Intercept(ctx, act)
}
