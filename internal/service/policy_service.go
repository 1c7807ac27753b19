// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// ConflictStrategy names a conflict-resolution rule for reconciling
// multiple applicable policies that disagree.
type ConflictStrategy string

const (
	StrategyPriority   ConflictStrategy = "priority"
	StrategyStrict     ConflictStrategy = "strict"
	StrategyPermissive ConflictStrategy = "permissive"
	StrategyConsensus  ConflictStrategy = "consensus"
)

// sensitiveTags marks resource sensitivity/tag values that prefer the
// strict conflict-resolution strategy.
var sensitiveTags = map[string]bool{"sensitive": true, "confidential": true, "secret": true}

// HybridPolicyEngine implements policy.Engine: applicability filter,
// per-policy evaluation via a policy.SingleEvaluator, conflict resolution
// across disagreeing policies, and cache deposit of the final decision.
type HybridPolicyEngine struct {
	store     policy.Store
	evaluator policy.SingleEvaluator
	cache     *DecisionCache
	logger    *slog.Logger
}

// NewHybridPolicyEngine creates an engine over store, using evaluator for
// each applicable policy and caching final decisions in cache.
func NewHybridPolicyEngine(store policy.Store, evaluator policy.SingleEvaluator, cache *DecisionCache, logger *slog.Logger) *HybridPolicyEngine {
	return &HybridPolicyEngine{store: store, evaluator: evaluator, cache: cache, logger: logger}
}

// Decide implements policy.Engine.
func (e *HybridPolicyEngine) Decide(ctx context.Context, dctx *decision.Context, override *policy.Policy) (policy.Decision, error) {
	if override != nil {
		return e.evaluator.Evaluate(ctx, dctx, override)
	}

	applicable, err := e.applicablePolicies(ctx, dctx)
	if err != nil {
		return policy.Decision{}, err
	}

	if len(applicable) == 0 {
		return policy.Decision{
			Decision:   policy.Indeterminate,
			Reason:     "no applicable policy",
			Confidence: 0,
			RiskLevel:  decision.RiskMedium,
			Metadata:   map[string]any{"noApplicablePolicy": true},
		}, nil
	}

	bodyKey := policyBodyKey(applicable)
	cacheKey := Fingerprint(bodyKey, dctx)
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached, nil
	}

	type evaluated struct {
		policyID string
		priority int
		decision policy.Decision
	}
	results := make([]evaluated, 0, len(applicable))
	for _, p := range applicable {
		d, err := e.evaluator.Evaluate(ctx, dctx, &p)
		if err != nil {
			e.logger.Warn("policy evaluation failed, skipping", "policy", p.ID, "error", err)
			continue
		}
		results = append(results, evaluated{policyID: p.ID, priority: p.Metadata.Priority, decision: d})
	}

	if len(results) == 0 {
		return policy.Decision{}, fmt.Errorf("all %d applicable policies failed evaluation", len(applicable))
	}

	var final policy.Decision
	if len(results) == 1 {
		final = results[0].decision
	} else {
		strategy := e.chooseStrategy(dctx)
		conflictIDs := make([]string, len(results))
		decisions := make([]policy.Decision, len(results))
		priorities := make([]int, len(results))
		for i, r := range results {
			conflictIDs[i] = r.policyID
			decisions[i] = r.decision
			priorities[i] = r.priority
		}
		final = resolveConflict(strategy, decisions, priorities)
		if final.Metadata == nil {
			final.Metadata = map[string]any{}
		}
		final.Metadata["conflictingPolicies"] = conflictIDs
		final.Metadata["resolutionStrategy"] = string(strategy)
	}

	e.cache.Put(cacheKey, final)
	return final, nil
}

// applicablePolicies fetches active policies and filters them against dctx,
// sorted by descending priority; equal priorities keep the order in which
// the store returned them.
func (e *HybridPolicyEngine) applicablePolicies(ctx context.Context, dctx *decision.Context) ([]policy.Policy, error) {
	policies, err := e.store.GetActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active policies: %w", err)
	}

	applicable := make([]policy.Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsApplicable(dctx) {
			applicable = append(applicable, p)
		}
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Metadata.Priority > applicable[j].Metadata.Priority
	})
	return applicable, nil
}

// policyBodyKey derives a stable string to fingerprint the set of policy
// bodies under consideration: their IDs and version numbers. Any edit
// that administers a new policy version changes the fingerprint, so the
// cache never serves a decision made under a stale body.
func policyBodyKey(policies []policy.Policy) string {
	var sb strings.Builder
	for _, p := range policies {
		sb.WriteString(p.ID)
		sb.WriteByte(':')
		sb.WriteString(fmt.Sprintf("%d", p.Metadata.Version))
		sb.WriteByte(';')
	}
	return sb.String()
}

// chooseStrategy suggests a conflict strategy: strict for sensitive
// resources or destructive actions, permissive for reads of non-sensitive
// resources, priority otherwise.
func (e *HybridPolicyEngine) chooseStrategy(dctx *decision.Context) ConflictStrategy {
	if dctx.Action == decision.ActionDelete || dctx.Action == decision.ActionModify {
		return StrategyStrict
	}
	if isSensitiveResource(dctx) {
		return StrategyStrict
	}
	if dctx.Action == decision.ActionRead || dctx.Action == decision.ActionList {
		return StrategyPermissive
	}
	return StrategyPriority
}

func isSensitiveResource(dctx *decision.Context) bool {
	res := dctx.Enrichment("resource")
	if res == nil {
		return false
	}
	if sens, _ := res["sensitivity"].(string); sensitiveTags[strings.ToLower(sens)] {
		return true
	}
	if tags, _ := res["tags"].([]string); len(tags) > 0 {
		for _, tag := range tags {
			if sensitiveTags[strings.ToLower(tag)] {
				return true
			}
		}
	}
	return false
}

// resolveConflict merges multiple per-policy decisions into one, per the
// chosen strategy. priorities is parallel to decisions. Order-independent
// within a strategy: re-running with the slices shuffled yields the same
// verdict, since each strategy's rule is defined over sets, not sequences.
func resolveConflict(strategy ConflictStrategy, decisions []policy.Decision, priorities []int) policy.Decision {
	switch strategy {
	case StrategyStrict:
		if d, ok := firstVerdict(decisions, policy.Deny); ok {
			return d
		}
		if d, ok := firstVerdict(decisions, policy.Indeterminate); ok {
			return d
		}
		return firstOf(decisions)
	case StrategyPermissive:
		if d, ok := firstVerdict(decisions, policy.Permit); ok {
			return d
		}
		if d, ok := firstVerdict(decisions, policy.Indeterminate); ok {
			return d
		}
		return firstOf(decisions)
	case StrategyConsensus:
		return resolveConsensus(decisions, priorities)
	default: // StrategyPriority
		return highestPriority(decisions, priorities)
	}
}

func firstVerdict(decisions []policy.Decision, v policy.Verdict) (policy.Decision, bool) {
	for _, d := range decisions {
		if d.Decision == v {
			return d, true
		}
	}
	return policy.Decision{}, false
}

func firstOf(decisions []policy.Decision) policy.Decision {
	return decisions[0]
}

// highestPriority returns the decision with the highest priority. Equal
// priorities resolve to the more restrictive verdict (DENY, then
// INDETERMINATE, then PERMIT), so the verdict does not depend on slice order.
func highestPriority(decisions []policy.Decision, priorities []int) policy.Decision {
	rank := func(v policy.Verdict) int {
		switch v {
		case policy.Deny:
			return 2
		case policy.Indeterminate:
			return 1
		}
		return 0
	}
	bestIdx := 0
	for i := 1; i < len(priorities); i++ {
		if priorities[i] > priorities[bestIdx] ||
			(priorities[i] == priorities[bestIdx] && rank(decisions[i].Decision) > rank(decisions[bestIdx].Decision)) {
			bestIdx = i
		}
	}
	return decisions[bestIdx]
}

func resolveConsensus(decisions []policy.Decision, priorities []int) policy.Decision {
	counts := map[policy.Verdict]int{}
	for _, d := range decisions {
		counts[d.Decision]++
	}
	best := policy.Verdict("")
	bestCount := -1
	tie := false
	for v, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount, tie = v, c, false
		case c == bestCount:
			tie = true
		}
	}
	if tie {
		return highestPriority(decisions, priorities)
	}
	d, _ := firstVerdict(decisions, best)
	return d
}

var _ policy.Engine = (*HybridPolicyEngine)(nil)
