package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	celeval "github.com/aegisgate/aegisgate/internal/adapter/outbound/cel"
	"github.com/aegisgate/aegisgate/internal/adapter/outbound/llm"
	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// defaultAIThreshold is the minimum structured-match confidence below which
// evaluation falls through to the LLM.
const defaultAIThreshold = 0.8

// analysisPromptTemplate is substituted with context and policy fields
// before being sent to the LLM adapter. The model is instructed to reply
// with exactly one JSON object; ExtractJSON tolerates prose or fencing
// around it regardless.
const analysisPromptTemplate = `You are a policy compliance evaluator. Decide whether the following action should be PERMIT, DENY, or INDETERMINATE under the policy below, and respond with a single JSON object: {"decision": "PERMIT|DENY|INDETERMINATE", "reason": "<one sentence>", "confidence": <0..1>}.

Policy: %s

Request:
  agent: %s
  agentType: %s
  action: %s
  resource: %s
  purpose: %s
  time: %s
`

// HybridSingleEvaluator implements policy.SingleEvaluator: try the
// structured rule set deterministically, fall back to the LLM adapter when
// no rule matches or the caller wants probabilistic judgment for
// natural-language policy bodies.
type HybridSingleEvaluator struct {
	cel         *celeval.Evaluator
	llm         llm.Adapter
	aiThreshold float64
	logger      *slog.Logger
}

// NewHybridSingleEvaluator creates an evaluator. aiThreshold <= 0 uses the
// spec default of 0.8.
func NewHybridSingleEvaluator(celEvaluator *celeval.Evaluator, adapter llm.Adapter, aiThreshold float64, logger *slog.Logger) *HybridSingleEvaluator {
	if aiThreshold <= 0 {
		aiThreshold = defaultAIThreshold
	}
	return &HybridSingleEvaluator{cel: celEvaluator, llm: adapter, aiThreshold: aiThreshold, logger: logger}
}

// Evaluate implements policy.SingleEvaluator.
func (e *HybridSingleEvaluator) Evaluate(ctx context.Context, dctx *decision.Context, p *policy.Policy) (policy.Decision, error) {
	if p.Body.IsStructured() {
		d, matched, err := e.evaluateStructured(dctx, p.Body.Structured)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("policy %s: structured evaluation: %w", p.ID, err)
		}
		if matched && d.Confidence >= e.aiThreshold {
			return d, nil
		}
	}
	return e.evaluateLLM(ctx, dctx, p)
}

// evaluateStructured deterministically walks a policy's prohibitions then
// permissions. Prohibitions are checked first: an explicit deny always
// takes precedence over an explicit permit within the same policy body.
// Returns matched=false when nothing applies, so the caller falls through
// to the LLM.
func (e *HybridSingleEvaluator) evaluateStructured(dctx *decision.Context, rules *policy.StructuredRuleSet) (policy.Decision, bool, error) {
	for _, prohibition := range rules.Prohibitions {
		ok, err := e.allConstraintsHold(dctx, prohibition.Constraints)
		if err != nil {
			return policy.Decision{}, false, err
		}
		if ok {
			return policy.Decision{
				Decision:   policy.Deny,
				Reason:     prohibition.Reason,
				Confidence: 1.0,
				RiskLevel:  decision.RiskHigh,
				Metadata:   map[string]any{"policyRuleID": prohibition.ID},
			}, true, nil
		}
	}

	for _, permission := range rules.Permissions {
		ok, err := e.allConstraintsHold(dctx, permission.Constraints)
		if err != nil {
			return policy.Decision{}, false, err
		}
		if ok {
			return policy.Decision{
				Decision:    policy.Permit,
				Reason:      fmt.Sprintf("matched permission %s", permission.ID),
				Confidence:  1.0,
				RiskLevel:   decision.RiskLow,
				Constraints: append([]string(nil), permission.Grants...),
				Obligations: append([]string(nil), permission.Obligations...),
				Metadata:    map[string]any{"policyRuleID": permission.ID},
			}, true, nil
		}
	}

	return policy.Decision{}, false, nil
}

func (e *HybridSingleEvaluator) allConstraintsHold(dctx *decision.Context, constraints []policy.ConditionExpr) (bool, error) {
	for _, c := range constraints {
		ok, err := e.evalCondition(dctx, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

var agentTypeSplit = regexp.MustCompile(`\s*,\s*`)

func (e *HybridSingleEvaluator) evalCondition(dctx *decision.Context, c policy.ConditionExpr) (bool, error) {
	switch c.Kind {
	case "time":
		tr, err := parseHourRange(c.Expr)
		if err != nil {
			return false, fmt.Errorf("time constraint %q: %w", c.Expr, err)
		}
		return tr.Matches(dctx.Time), nil
	case "agent":
		for _, allowed := range agentTypeSplit.Split(c.Expr, -1) {
			if strings.EqualFold(strings.TrimSpace(allowed), dctx.AgentType) {
				return true, nil
			}
		}
		return false, nil
	case "resource":
		re, err := regexp.Compile(c.Expr)
		if err != nil {
			return false, fmt.Errorf("resource constraint %q: %w", c.Expr, err)
		}
		return re.MatchString(dctx.Resource), nil
	case "cel":
		prg, err := e.cel.Compile(c.Expr)
		if err != nil {
			return false, fmt.Errorf("cel constraint %q: %w", c.Expr, err)
		}
		return e.cel.Evaluate(prg, dctx)
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// parseHourRange parses a "9-18" style hour range into a TimeRange with no
// weekday restriction.
func parseHourRange(expr string) (*policy.TimeRange, error) {
	parts := strings.SplitN(expr, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected \"start-end\" hour range, got %q", expr)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid start hour: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid end hour: %w", err)
	}
	return &policy.TimeRange{StartHour: start, EndHour: end}, nil
}

// llmResponse is the structured shape the analysis prompt asks the model
// to reply with.
type llmResponse struct {
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	RiskLevel   string   `json:"riskLevel"`
	Constraints []string `json:"constraints"`
	Obligations []string `json:"obligations"`
}

var validLLMDecisions = map[string]policy.Verdict{
	"PERMIT":        policy.Permit,
	"DENY":          policy.Deny,
	"INDETERMINATE": policy.Indeterminate,
}

// evaluateLLM calls the LLM adapter for policies whose structured rules
// didn't produce a confident answer (or that carry only natural-language
// bodies). Any failure - adapter error, malformed JSON, or an
// out-of-bounds field - synthesizes an INDETERMINATE/HIGH decision flagged
// for manual review rather than propagating the error.
func (e *HybridSingleEvaluator) evaluateLLM(ctx context.Context, dctx *decision.Context, p *policy.Policy) (policy.Decision, error) {
	body := p.Body.NaturalLanguage
	if p.Body.IsStructured() {
		body = fmt.Sprintf("structured policy %q with no matching rule", p.Name)
	}
	prompt := fmt.Sprintf(analysisPromptTemplate, body, dctx.Agent, dctx.AgentType, dctx.Action, dctx.Resource, dctx.Purpose, dctx.Time.Format(time.RFC3339))

	raw, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("llm adapter call failed", "policy", p.ID, "error", err)
		return indeterminateFallback("aiError", err.Error()), nil
	}

	var parsed llmResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &parsed); err != nil {
		e.logger.Warn("llm response parse failed", "policy", p.ID, "error", err)
		return indeterminateFallback("parseError", err.Error()), nil
	}

	verdict, ok := validLLMDecisions[strings.ToUpper(parsed.Decision)]
	if !ok || strings.TrimSpace(parsed.Reason) == "" || parsed.Confidence < 0 || parsed.Confidence > 1 {
		e.logger.Warn("llm response validation failed", "policy", p.ID, "decision", parsed.Decision, "confidence", parsed.Confidence)
		return indeterminateFallback("parseError", "response failed validation"), nil
	}

	risk := decision.RiskLevel(strings.ToLower(parsed.RiskLevel))
	if risk == "" {
		risk = decision.RiskMedium
	}

	return policy.Decision{
		Decision:    verdict,
		Reason:      parsed.Reason,
		Confidence:  parsed.Confidence,
		RiskLevel:   risk,
		Constraints: parsed.Constraints,
		Obligations: parsed.Obligations,
		Metadata:    map[string]any{"policyID": p.ID, "source": "llm"},
	}, nil
}

func indeterminateFallback(flag, detail string) policy.Decision {
	return policy.Decision{
		Decision:    policy.Indeterminate,
		Reason:      "policy evaluation could not be completed: " + detail,
		Confidence:  0,
		RiskLevel:   decision.RiskHigh,
		Obligations: []string{"manual-review"},
		Metadata:    map[string]any{flag: true},
	}
}

var _ policy.SingleEvaluator = (*HybridSingleEvaluator)(nil)
