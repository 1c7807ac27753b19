package policy

import "context"

// decisionKey is the context key type for the decision produced by the
// engine, stashed so downstream pipeline stages (enforcement, audit) can
// read it without threading an extra parameter through every call.
type decisionKey struct{}

// WithDecision stores a policy decision in the context.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext retrieves a policy decision from the context.
// Returns nil if no decision is stored.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}
