package enforcement

import (
	"context"

	"github.com/aegisgate/aegisgate/internal/domain/audit"
	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// AuditLogger is the "audit-logger" obligation executor. A policy attaches
// this obligation to force an explicit audit.AuditRecord append for a
// decision, independent of the proxy's own best-effort per-call audit
// trail — used for permissions carrying compliance requirements the
// standard trail alone does not satisfy (e.g. an elevated RiskLevel).
type AuditLogger struct {
	store audit.AuditStore
}

// NewAuditLogger creates an AuditLogger writing to store.
func NewAuditLogger(store audit.AuditStore) *AuditLogger {
	return &AuditLogger{store: store}
}

// Name implements ObligationExecutor.
func (a *AuditLogger) Name() string { return "audit-logger" }

// CanHandle implements ObligationExecutor.
func (a *AuditLogger) CanHandle(obligation string) bool {
	return directiveName(obligation) == a.Name()
}

// Execute implements ObligationExecutor.
func (a *AuditLogger) Execute(ctx context.Context, dctx *decision.Context, t *Target, d *policy.Decision, _ string) error {
	record := audit.AuditRecord{
		Timestamp:    dctx.Time,
		SessionID:    t.SessionID,
		IdentityID:   t.AgentID,
		IdentityName: dctx.Agent,
		ToolName:     t.Name,
		Decision:     string(d.Decision),
		Reason:       d.Reason,
		RequestID:    t.RequestID,
		Outcome:      decisionOutcome(d.Decision),
		RiskLevel:    string(d.RiskLevel),
		PolicyID:     policyID(d.Metadata),
		Constraints:  d.Constraints,
		Obligations:  d.Obligations,
	}
	record.RuleID = record.PolicyID
	return a.store.Append(ctx, record)
}

// decisionOutcome maps a policy verdict to the audit outcome taxonomy.
func decisionOutcome(v policy.Verdict) string {
	switch v {
	case policy.Deny:
		return audit.OutcomeFailure
	case policy.Indeterminate:
		return audit.OutcomeError
	default:
		return audit.OutcomeSuccess
	}
}

// policyID extracts the matched policy's identifier from decision metadata.
// Structured rule matches set "policyRuleID"; the LLM evaluator path sets
// "policyID". Either indicates the same thing: which policy decided.
func policyID(metadata map[string]any) string {
	if id, ok := metadata["policyRuleID"].(string); ok {
		return id
	}
	if id, ok := metadata["policyID"].(string); ok {
		return id
	}
	return ""
}

var _ ObligationExecutor = (*AuditLogger)(nil)
