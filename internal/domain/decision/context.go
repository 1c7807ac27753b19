// Package decision contains the domain types for the invariant input to the
// hybrid policy engine: the DecisionContext built by the context collector
// from an inbound tool/resource call.
package decision

import (
	"sync"
	"time"
)

// Action is the canonical action type a DecisionContext describes.
type Action string

const (
	ActionList    Action = "list"
	ActionRead    Action = "read"
	ActionExecute Action = "execute"
	ActionAdmin   Action = "admin"
	ActionDelete  Action = "delete"
	ActionModify  Action = "modify"
)

// RiskLevel mirrors the PolicyDecision risk scale; also used by enrichers
// (e.g. the resource classifier) to tag sensitivity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Context is the invariant input to Decide. It is built by the Context
// Collector pipeline and is immutable once enrichment ends: callers must
// treat a Context handed to the policy engine as read-only.
type Context struct {
	// Agent is the opaque calling principal identifier. Required.
	Agent string
	// AgentType classifies the caller (e.g. "assistant", "service", "peer").
	AgentType string
	// Action is the canonical action being attempted.
	Action Action
	// Resource is the target of the action. For tool calls this is
	// "tool:<name>"; for resource reads it is the resource URI.
	Resource string
	// Purpose is a free-text statement of intent, when supplied by the caller.
	Purpose string
	// Time is the absolute instant the request was received.
	Time time.Time
	// ClearanceLevel is the caller's declared clearance (0 = none).
	ClearanceLevel int
	// ViolationHistory counts prior denied attempts by this agent.
	ViolationHistory int

	mu sync.RWMutex
	// environment is an open mapping of string->any. Enrichers append keys
	// under Environment()["enrichments"][name]; they never overwrite
	// existing top-level keys.
	environment map[string]any
}

// New creates a Context with its environment map initialized.
func New(agent string, action Action, resource string, at time.Time) *Context {
	return &Context{
		Agent:       agent,
		Action:      action,
		Resource:    resource,
		Time:        at,
		environment: map[string]any{"enrichments": map[string]any{}},
	}
}

// Environment returns the full environment mapping. Callers must not mutate
// the returned map directly; use SetEnrichment.
func (c *Context) Environment() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.environment
}

// SetEnrichment stores an enricher's contribution under its own namespace.
// It never overwrites a different enricher's namespace and is safe to call
// concurrently from multiple enrichers.
func (c *Context) SetEnrichment(name string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enrichments, _ := c.environment["enrichments"].(map[string]any)
	if enrichments == nil {
		enrichments = map[string]any{}
		c.environment["enrichments"] = enrichments
	}
	enrichments[name] = data
}

// Enrichment returns a single enricher's contribution, or nil if absent.
func (c *Context) Enrichment(name string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	enrichments, _ := c.environment["enrichments"].(map[string]any)
	if enrichments == nil {
		return nil
	}
	v, _ := enrichments[name].(map[string]any)
	return v
}

// Clone returns a deep-enough copy suitable for snapshotting into an audit
// entry: the environment map is copied one level deep so later enrichment
// (which should not happen after the pipeline ends) cannot mutate history.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	envCopy := make(map[string]any, len(c.environment))
	for k, v := range c.environment {
		envCopy[k] = v
	}
	return &Context{
		Agent:            c.Agent,
		AgentType:        c.AgentType,
		Action:           c.Action,
		Resource:         c.Resource,
		Purpose:          c.Purpose,
		Time:             c.Time,
		ClearanceLevel:   c.ClearanceLevel,
		ViolationHistory: c.ViolationHistory,
		environment:      envCopy,
	}
}

// Enricher is a pluggable, pure function of the current context that
// produces derived attributes under its own namespace. Implementations
// must not mutate fields of ctx other than through SetEnrichment, and must
// be safe to run concurrently with other enrichers against the same ctx.
type Enricher interface {
	// Name identifies the enricher and is used as the enrichment namespace.
	Name() string
	// Enrich computes this enricher's contribution. An error means the
	// enricher is skipped; it must never block or fail the overall decision.
	Enrich(ctx *Context) (map[string]any, error)
}
