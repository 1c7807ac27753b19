// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
	"github.com/aegisgate/aegisgate/pkg/mcp"
)

// Error types for policy evaluation failures.
var ErrPolicyDenied = errors.New("policy denied")

// ErrMissingSession indicates a tool call was received without session context.
var ErrMissingSession = errors.New("missing session context")

// PolicyDenyError wraps a policy denial with structured information.
// It includes human-readable guidance for resolving the denial.
type PolicyDenyError struct {
	Decision string
	Reason   string
	HelpURL  string
	HelpText string
}

// Error implements the error interface.
func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

// Unwrap returns ErrPolicyDenied so errors.Is(err, ErrPolicyDenied) works.
func (e *PolicyDenyError) Unwrap() error {
	return ErrPolicyDenied
}

// PolicyInterceptor evaluates tool calls against the hybrid policy engine.
// It wraps another MessageInterceptor (e.g., PassthroughInterceptor). This
// is the legacy, mcp.Message-shaped entry point; the native pipeline path
// runs through action.PolicyActionInterceptor instead, which operates
// directly on CanonicalAction.
type PolicyInterceptor struct {
	policyEngine policy.Engine
	next         MessageInterceptor
	logger       *slog.Logger
}

// NewPolicyInterceptor creates a new PolicyInterceptor.
func NewPolicyInterceptor(
	engine policy.Engine,
	next MessageInterceptor,
	logger *slog.Logger,
) *PolicyInterceptor {
	return &PolicyInterceptor{
		policyEngine: engine,
		next:         next,
		logger:       logger,
	}
}

// Intercept evaluates tool calls against policies before passing to next interceptor.
// Returns error to BLOCK message propagation - ProxyService MUST check error
// and send JSON-RPC error response back to client instead of forwarding.
func (p *PolicyInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Non-tool-call messages pass through without policy check
	if !msg.IsToolCall() {
		return p.next.Intercept(ctx, msg)
	}

	// Defensive: session should be set by AuthInterceptor
	if msg.Session == nil {
		p.logger.Warn("tool call without session context")
		return nil, ErrMissingSession
	}

	dctx, err := buildDecisionContext(msg)
	if err != nil {
		p.logger.Warn("failed to build decision context",
			"error", err,
			"session_id", msg.Session.ID,
		)
		return nil, fmt.Errorf("invalid tool call params: %w", err)
	}

	d, err := p.policyEngine.Decide(ctx, dctx, nil)
	if err != nil {
		p.logger.Error("policy evaluation failed",
			"error", err,
			"resource", dctx.Resource,
			"session_id", msg.Session.ID,
		)
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	if d.Decision != policy.Permit {
		p.logger.Info("tool call denied by policy",
			"resource", dctx.Resource,
			"decision", d.Decision,
			"reason", d.Reason,
			"session_id", msg.Session.ID,
			"identity_id", msg.Session.IdentityID,
		)
		return nil, &PolicyDenyError{
			Decision: string(d.Decision),
			Reason:   d.Reason,
		}
	}

	// Store decision in context for downstream interceptors (ApprovalInterceptor)
	ctx = policy.WithDecision(ctx, &d)

	p.logger.Debug("tool call allowed by policy",
		"resource", dctx.Resource,
		"session_id", msg.Session.ID,
	)

	return p.next.Intercept(ctx, msg)
}

// toolCallParams represents the JSON-RPC params for a tools/call request.
type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// buildDecisionContext extracts a decision.Context from an MCP tool-call message.
func buildDecisionContext(msg *mcp.Message) (*decision.Context, error) {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return nil, errors.New("missing request params")
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}

	if params.Name == "" {
		return nil, errors.New("missing tool name")
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	dctx := decision.New(msg.Session.IdentityName, decision.ActionExecute, "tool:"+params.Name, at)
	if len(msg.Session.Roles) > 0 {
		dctx.AgentType = string(msg.Session.Roles[0])
	}
	return dctx, nil
}

// Compile-time check that PolicyInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*PolicyInterceptor)(nil)
