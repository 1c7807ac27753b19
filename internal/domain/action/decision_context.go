package action

import "github.com/aegisgate/aegisgate/internal/domain/decision"

// decisionResource derives the decision.Context resource string for act:
// "tool:<name>" for tool calls, the destination URL for everything else
// that has one, falling back to the action's own name.
func decisionResource(act *CanonicalAction) string {
	if act.Type == ActionToolCall {
		return "tool:" + act.Name
	}
	if act.Destination.URL != "" {
		return act.Destination.URL
	}
	return act.Name
}

// decisionContextForAction builds the decision.Context the policy engine
// and Enforcement System both evaluate against, shared by
// PolicyActionInterceptor and EnforcementInterceptor so they agree on
// exactly what was decided.
func decisionContextForAction(act *CanonicalAction, resource string) *decision.Context {
	dctx := decision.New(act.Identity.Name, canonicalActionToDecisionAction(act.Type), resource, act.RequestTime)
	if len(act.Identity.Roles) > 0 {
		dctx.AgentType = act.Identity.Roles[0]
	}
	return dctx
}
