// Package enforcement implements the post-decision enforcement system:
// constraint transformers that mutate an in-flight action to satisfy a
// Decision's Constraints, and obligation executors that carry out the
// side effects named in a Decision's Obligations. Both are registry
// entries exposing Name()/CanHandle(string) bool plus their action method,
// the same CanHandle-style predicate idiom the outbound and response-scan
// interceptors use to match a request against a list of rules.
package enforcement

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// Target is the subset of an in-flight action that constraint transformers
// may mutate and obligation executors may read. Callers translate to/from
// their own action representation; Target keeps this package independent
// of any particular transport or action type.
type Target struct {
	RequestID     string
	Name          string
	AgentID       string
	SessionID     string
	Arguments     map[string]interface{}
	Metadata      map[string]interface{}
	DestinationIP string
}

// ConstraintTransformer mutates Target to satisfy one Decision.Constraints
// entry before the action proceeds. Returning an error rejects the action
// outright (e.g. a rate limit has been exceeded).
type ConstraintTransformer interface {
	Name() string
	CanHandle(constraint string) bool
	Transform(ctx context.Context, dctx *decision.Context, t *Target, constraint string) error
}

// ObligationExecutor performs the side effect named by one
// Decision.Obligations entry after a decision has been reached.
type ObligationExecutor interface {
	Name() string
	CanHandle(obligation string) bool
	Execute(ctx context.Context, dctx *decision.Context, t *Target, d *policy.Decision, obligation string) error
}

// Registry dispatches a Decision's constraints and obligations to whichever
// registered transformer/executor can handle each one.
type Registry struct {
	transformers []ConstraintTransformer
	executors    []ObligationExecutor
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. Use RegisterTransformer and
// RegisterExecutor to populate it.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterTransformer adds a constraint transformer to the registry.
func (r *Registry) RegisterTransformer(t ConstraintTransformer) {
	r.transformers = append(r.transformers, t)
}

// RegisterExecutor adds an obligation executor to the registry.
func (r *Registry) RegisterExecutor(e ObligationExecutor) {
	r.executors = append(r.executors, e)
}

// ApplyConstraints runs every constraint in d.Constraints against the first
// registered transformer that can handle it, in order. It stops and returns
// the first error, since a constraint transformer rejecting the action
// (e.g. rate-limiter) must block it from proceeding.
func (r *Registry) ApplyConstraints(ctx context.Context, dctx *decision.Context, t *Target, d *policy.Decision) error {
	for _, c := range d.Constraints {
		if tr := r.findTransformer(c); tr != nil {
			if err := tr.Transform(ctx, dctx, t, c); err != nil {
				return err
			}
		} else {
			r.logger.Debug("no constraint transformer registered", "constraint", c)
		}
	}
	return nil
}

// ExecuteObligations runs every obligation in d.Obligations against the
// first registered executor that can handle it. Obligation failures are
// logged and otherwise ignored: obligations are side effects, not gates.
func (r *Registry) ExecuteObligations(ctx context.Context, dctx *decision.Context, t *Target, d *policy.Decision) {
	for _, o := range d.Obligations {
		ex := r.findExecutor(o)
		if ex == nil {
			r.logger.Debug("no obligation executor registered", "obligation", o)
			continue
		}
		if err := ex.Execute(ctx, dctx, t, d, o); err != nil {
			r.logger.Error("obligation executor failed", "obligation", o, "executor", ex.Name(), "error", err)
		}
	}
}

func (r *Registry) findTransformer(constraint string) ConstraintTransformer {
	for _, t := range r.transformers {
		if t.CanHandle(constraint) {
			return t
		}
	}
	return nil
}

func (r *Registry) findExecutor(obligation string) ObligationExecutor {
	for _, e := range r.executors {
		if e.CanHandle(obligation) {
			return e
		}
	}
	return nil
}

// directiveName splits a "name:arg1,arg2" constraint/obligation string and
// returns the name portion.
func directiveName(directive string) string {
	if i := strings.IndexByte(directive, ':'); i >= 0 {
		return directive[:i]
	}
	return directive
}

// directiveArgs splits the comma-separated argument list following the
// first colon in a "name:arg1,arg2" directive. Returns nil when there is no
// argument section.
func directiveArgs(directive string) []string {
	i := strings.IndexByte(directive, ':')
	if i < 0 || i+1 >= len(directive) {
		return nil
	}
	return strings.Split(directive[i+1:], ",")
}
