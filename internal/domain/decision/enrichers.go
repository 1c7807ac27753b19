package decision

import (
	"regexp"
	"strings"
)

// TimeEnricher adds current hour, day-of-week, and business-hours flags.
// Defaults to the 9:00-18:00 weekday window.
type TimeEnricher struct {
	// BusinessStartHour and BusinessEndHour define the business-hours window
	// in local time. Defaults to 9 and 18 when zero-valued via NewTimeEnricher.
	BusinessStartHour, BusinessEndHour int
}

// NewTimeEnricher creates a TimeEnricher with the default 9:00-18:00 window.
func NewTimeEnricher() *TimeEnricher {
	return &TimeEnricher{BusinessStartHour: 9, BusinessEndHour: 18}
}

func (e *TimeEnricher) Name() string { return "time" }

func (e *TimeEnricher) Enrich(ctx *Context) (map[string]any, error) {
	t := ctx.Time.Local()
	weekday := t.Weekday()
	isWeekend := weekday == 0 || weekday == 6
	hour := t.Hour()
	isBusinessHours := !isWeekend && hour >= e.BusinessStartHour && hour < e.BusinessEndHour
	return map[string]any{
		"hour":            hour,
		"dayOfWeek":       weekday.String(),
		"isBusinessHours": isBusinessHours,
		"isWeekend":       isWeekend,
	}, nil
}

// AgentMetadata is the parsed structured form of an agent-metadata header.
type AgentMetadata struct {
	Department  string
	Clearance   int
	Permissions []string
}

// AgentMetadataResolver resolves an agent id to its metadata. Implementations
// live in the adapter layer (e.g. backed by an identity store); this
// interface keeps the enricher itself dependency-free.
type AgentMetadataResolver interface {
	Resolve(agentID string) (AgentMetadata, bool)
}

// AgentEnricher resolves agent metadata headers into structured values.
type AgentEnricher struct {
	resolver AgentMetadataResolver
}

func NewAgentEnricher(resolver AgentMetadataResolver) *AgentEnricher {
	return &AgentEnricher{resolver: resolver}
}

func (e *AgentEnricher) Name() string { return "agent" }

func (e *AgentEnricher) Enrich(ctx *Context) (map[string]any, error) {
	out := map[string]any{
		"agentType": ctx.AgentType,
	}
	if e.resolver == nil {
		return out, nil
	}
	meta, ok := e.resolver.Resolve(ctx.Agent)
	if !ok {
		return out, nil
	}
	out["department"] = meta.Department
	out["clearance"] = meta.Clearance
	out["permissions"] = meta.Permissions
	return out, nil
}

// ResourceRule is one entry in the resource classifier's ordered rule table.
type ResourceRule struct {
	// Pattern is matched against the resource string (case-insensitive
	// substring match, applied in table order; first match wins).
	Pattern string
	// DataType is a free-text label ("file", "database", "api", ...).
	DataType string
	// Sensitivity is the classification this rule assigns.
	Sensitivity RiskLevel
	// Tags are attached to the context when this rule matches.
	Tags []string
	// Retention names a default retention period label (e.g. "30d", "7y").
	Retention string
	// RequiresEncryption flags that the resource must travel encrypted.
	RequiresEncryption bool
}

// DefaultResourceRules is the built-in ordered classification table.
// Patterns earlier in the slice take priority.
var DefaultResourceRules = []ResourceRule{
	{Pattern: "ssn", DataType: "pii", Sensitivity: RiskCritical, Tags: []string{"pii", "confidential"}, Retention: "7y", RequiresEncryption: true},
	{Pattern: "secret", DataType: "credential", Sensitivity: RiskCritical, Tags: []string{"secret", "confidential"}, Retention: "1y", RequiresEncryption: true},
	{Pattern: "credential", DataType: "credential", Sensitivity: RiskCritical, Tags: []string{"secret", "confidential"}, Retention: "1y", RequiresEncryption: true},
	{Pattern: "customer", DataType: "customer-data", Sensitivity: RiskHigh, Tags: []string{"customer", "sensitive"}, Retention: "3y", RequiresEncryption: true},
	{Pattern: "financial", DataType: "financial", Sensitivity: RiskHigh, Tags: []string{"financial", "sensitive"}, Retention: "7y", RequiresEncryption: true},
	{Pattern: "email", DataType: "pii", Sensitivity: RiskMedium, Tags: []string{"pii"}, Retention: "1y"},
	{Pattern: "log", DataType: "operational", Sensitivity: RiskLow, Tags: []string{"operational"}, Retention: "90d"},
}

// devResourcePattern matches development/local-tool resources: "tool:"
// prefixes and "__" namespace separators classify as low-sensitivity
// local resources regardless of the rule table.
var devResourcePattern = regexp.MustCompile(`^tool:|__`)

// ResourceClassifier matches a resource string against an ordered rule
// table to derive sensitivity, data-type, tags, retention, and encryption
// requirements.
type ResourceClassifier struct {
	Rules []ResourceRule
	// Production, when true, makes unclassified resources default to
	// "high" sensitivity instead of "medium".
	Production bool
}

func NewResourceClassifier(production bool) *ResourceClassifier {
	return &ResourceClassifier{Rules: DefaultResourceRules, Production: production}
}

func (e *ResourceClassifier) Name() string { return "resource" }

func (e *ResourceClassifier) Enrich(ctx *Context) (map[string]any, error) {
	resource := strings.ToLower(ctx.Resource)

	if devResourcePattern.MatchString(resource) {
		return map[string]any{
			"dataType":    "local-tool",
			"sensitivity": string(RiskLow),
			"tags":        []string{"development", "local"},
			"retention":   "",
			"encrypted":   false,
		}, nil
	}

	for _, rule := range e.Rules {
		if strings.Contains(resource, strings.ToLower(rule.Pattern)) {
			return map[string]any{
				"dataType":    rule.DataType,
				"sensitivity": string(rule.Sensitivity),
				"tags":        append([]string(nil), rule.Tags...),
				"retention":   rule.Retention,
				"encrypted":   rule.RequiresEncryption,
			}, nil
		}
	}

	defaultSensitivity := RiskMedium
	if e.Production {
		defaultSensitivity = RiskHigh
	}
	return map[string]any{
		"dataType":    "unclassified",
		"sensitivity": string(defaultSensitivity),
		"tags":        []string{},
		"retention":   "",
		"encrypted":   false,
	}, nil
}

// suspiciousPatterns flags resource/purpose strings that hint at injection
// or exfiltration attempts. Kept intentionally small and literal: this is a
// cheap heuristic layer, not a content scanner.
var suspiciousPatterns = []string{
	"../", "..\\", "drop table", "; rm ", "<script", "union select",
}

// SecurityEnricher annotates risk hints from suspicious patterns in the
// resource/purpose strings and from the caller's violation history.
type SecurityEnricher struct{}

func NewSecurityEnricher() *SecurityEnricher { return &SecurityEnricher{} }

func (e *SecurityEnricher) Name() string { return "security" }

func (e *SecurityEnricher) Enrich(ctx *Context) (map[string]any, error) {
	haystack := strings.ToLower(ctx.Resource + " " + ctx.Purpose)
	var hits []string
	for _, p := range suspiciousPatterns {
		if strings.Contains(haystack, p) {
			hits = append(hits, p)
		}
	}
	return map[string]any{
		"suspiciousPatterns": hits,
		"hasViolationHistory": ctx.ViolationHistory > 0,
		"violationCount":      ctx.ViolationHistory,
	}, nil
}
