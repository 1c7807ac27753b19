package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// NewDecisionPolicyEnvironment creates the CEL environment used to evaluate
// a structured-rule ConditionExpr of Kind "cel" against a decision.Context.
// Declared variables mirror decision.Context directly:
//
//	agent, agentType, action, resource, purpose, requestTime,
//	clearanceLevel, violationHistory, enrichments
//
// enrichments is the full environment["enrichments"] map, namespaced by
// enricher name; rules index into it natively, e.g.
// enrichments["resource"]["sensitivity"] == "critical".
//
// Custom functions:
//   - glob(pattern, value): filepath.Match-style wildcard matching
//   - contains_any(haystack, substr): case-insensitive substring search
func NewDecisionPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("agent", cel.StringType),
		cel.Variable("agentType", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("requestTime", cel.TimestampType),
		cel.Variable("clearanceLevel", cel.IntType),
		cel.Variable("violationHistory", cel.IntType),
		cel.Variable("enrichments", cel.MapType(cel.StringType, cel.DynType)),

		// glob: wildcard matching against resource/action strings.
		// Usage: glob("tool:payments__*", resource)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p := pattern.Value().(string)
					v := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		// contains_any: true if haystack contains substr, case-insensitive.
		cel.Function("contains_any",
			cel.Overload("contains_any_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(haystackVal, substrVal ref.Val) ref.Val {
					haystack := strings.ToLower(haystackVal.Value().(string))
					substr := strings.ToLower(substrVal.Value().(string))
					return types.Bool(strings.Contains(haystack, substr))
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from a decision.Context,
// exposing every declared variable in NewDecisionPolicyEnvironment.
func BuildActivation(ctx *decision.Context) map[string]any {
	enrichments, _ := ctx.Environment()["enrichments"].(map[string]any)
	if enrichments == nil {
		enrichments = map[string]any{}
	}
	return map[string]any{
		"agent":            ctx.Agent,
		"agentType":        ctx.AgentType,
		"action":           string(ctx.Action),
		"resource":         ctx.Resource,
		"purpose":          ctx.Purpose,
		"requestTime":      ctx.Time,
		"clearanceLevel":   int64(ctx.ClearanceLevel),
		"violationHistory": int64(ctx.ViolationHistory),
		"enrichments":      enrichments,
	}
}
