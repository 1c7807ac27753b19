// Package policy contains the domain types for the hybrid policy engine:
// policies, their applicability conditions, structured rule bodies, and the
// decisions the engine produces.
package policy

import (
	"regexp"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// Status is the lifecycle state of a policy.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusDraft      Status = "draft"
)

// Verdict is the outcome of evaluating a context against one or more
// policies.
type Verdict string

const (
	Permit        Verdict = "PERMIT"
	Deny          Verdict = "DENY"
	Indeterminate Verdict = "INDETERMINATE"
)

// Metadata carries the administrative attributes of a Policy.
type Metadata struct {
	Status   Status
	Priority int
	Tags     []string
	Version  int
	// History retains prior versions, newest last, populated by
	// PolicyAdministrator.Update.
	History []VersionRecord
}

// VersionRecord is one retained prior version of a policy body.
type VersionRecord struct {
	Version   int
	Body      Body
	UpdatedBy string
	UpdatedAt time.Time
}

// TimeRange restricts applicability to an hour-of-day window, optionally
// scoped to specific weekdays.
type TimeRange struct {
	StartHour, EndHour int
	// Weekdays, when non-empty, restricts the range to these days
	// (0 = Sunday ... 6 = Saturday). Empty means every day.
	Weekdays []time.Weekday
}

// Matches reports whether instant t falls inside the time range, honoring
// the optional weekday restriction.
func (r *TimeRange) Matches(t time.Time) bool {
	local := t.Local()
	if len(r.Weekdays) > 0 && !weekdayIn(r.Weekdays, local.Weekday()) {
		return false
	}
	hour := local.Hour()
	return hour >= r.StartHour && hour < r.EndHour
}

// Conditions gates whether a Policy is applicable to a given context.
// A Policy is applicable iff its Status is active and every non-empty
// Time, AgentTypes and ResourcePatterns condition matches. TagHints is
// stored with the policy but IsApplicable does not check it.
type Conditions struct {
	Time             *TimeRange
	AgentTypes       []string
	ResourcePatterns []*regexp.Regexp
	TagHints         []string
}

// Body is a sum type: exactly one of Structured or NaturalLanguage is set.
type Body struct {
	Structured      *StructuredRuleSet
	NaturalLanguage string
}

// IsStructured reports whether this body carries a structured rule set.
func (b Body) IsStructured() bool { return b.Structured != nil }

// StructuredRuleSet is the deterministic evaluation path: explicit
// permit/prohibit entries, each optionally guarded by ordered constraints
// that must all hold.
type StructuredRuleSet struct {
	Permissions  []Permission
	Prohibitions []Prohibition
}

// Permission is a rule that yields PERMIT (with its attached
// constraints/obligations) when it matches.
type Permission struct {
	ID          string
	Constraints []ConditionExpr
	Grants      []string // constraint transform names applied to the response
	Obligations []string
}

// Prohibition is a rule that yields DENY when it matches.
type Prohibition struct {
	ID          string
	Constraints []ConditionExpr
	Reason      string
}

// ConditionExpr is a single structured-rule condition. Kind selects how
// Expr is interpreted: "time" ("9-18" hour range), "agent" (comma-separated
// allowed agent types), "resource" (regex), or "cel" for a raw CEL boolean
// expression evaluated against the full decision.Context.
type ConditionExpr struct {
	Kind string
	Expr string
}

// Policy is a named expression of allow/deny rules, natural-language and/or
// structured, with administrative metadata and applicability conditions.
type Policy struct {
	ID         string
	Name       string
	Body       Body
	Metadata   Metadata
	Conditions Conditions
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsApplicable reports whether this policy should be considered for ctx.
func (p *Policy) IsApplicable(ctx *decision.Context) bool {
	if p.Metadata.Status != StatusActive {
		return false
	}
	if p.Conditions.Time != nil && !p.Conditions.Time.Matches(ctx.Time) {
		return false
	}
	if len(p.Conditions.AgentTypes) > 0 && !containsFold(p.Conditions.AgentTypes, ctx.AgentType) {
		return false
	}
	if len(p.Conditions.ResourcePatterns) > 0 && !anyMatch(p.Conditions.ResourcePatterns, ctx.Resource) {
		return false
	}
	return true
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if equalFold(s, v) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating one or more policies against a
// context.
type Decision struct {
	Decision    Verdict
	Reason      string
	Confidence  float64
	RiskLevel   decision.RiskLevel
	Constraints []string
	Obligations []string

	// ValidityPeriod, when set, bounds how long the decision may be relied
	// upon without re-evaluation (informational; cache TTL is separate).
	ValidityPeriod *time.Duration

	// Metadata carries engine-internal annotations: policyID, conflict
	// resolution details, ai/parse error flags, etc.
	Metadata map[string]any
}
