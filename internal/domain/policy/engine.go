package policy

import (
	"context"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// Engine is the top-level hybrid policy engine operation: select
// applicable policies for ctx, evaluate each (structured rules first, LLM
// fallback for under-determined cases), resolve conflicts, and return a
// single decision. When override is non-nil, only that policy is
// considered (used by the policy-test admin endpoint).
type Engine interface {
	Decide(ctx context.Context, dctx *decision.Context, override *Policy) (Decision, error)
}

// Store persists and retrieves policies. Owned by the Policy Administrator;
// the engine only reads from it.
type Store interface {
	GetAllPolicies(ctx context.Context) ([]Policy, error)
	GetActivePolicies(ctx context.Context) ([]Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// SingleEvaluator evaluates one policy against one context, without
// conflict resolution. The Hybrid Engine calls this once per applicable
// policy; conflict resolution then combines the results when more than
// one policy applies.
type SingleEvaluator interface {
	Evaluate(ctx context.Context, dctx *decision.Context, p *Policy) (Decision, error)
}
