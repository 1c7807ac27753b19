package enforcement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// Notifier is the minimal capability the "notifier" obligation executor
// calls through, mirroring the llm.Adapter style of a single narrow method
// per external capability. LogNotifier is the only implementation shipped
// here; a webhook- or email-backed Notifier can be wired in without
// touching NotifyExecutor.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier is a Notifier that writes to a structured logger. Serves as
// the default until an operator wires a real delivery channel.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, subject, body string) error {
	n.logger.Info("enforcement notification", "subject", subject, "body", body)
	return nil
}

// NotifyExecutor is the "notifier" obligation executor: it formats the
// decision that produced the obligation and forwards it to a Notifier.
type NotifyExecutor struct {
	notifier Notifier
}

// NewNotifyExecutor creates a NotifyExecutor delivering through notifier.
func NewNotifyExecutor(notifier Notifier) *NotifyExecutor {
	return &NotifyExecutor{notifier: notifier}
}

// Name implements ObligationExecutor.
func (n *NotifyExecutor) Name() string { return "notifier" }

// CanHandle implements ObligationExecutor.
func (n *NotifyExecutor) CanHandle(obligation string) bool {
	return directiveName(obligation) == n.Name()
}

// Execute implements ObligationExecutor.
func (n *NotifyExecutor) Execute(ctx context.Context, dctx *decision.Context, t *Target, d *policy.Decision, _ string) error {
	subject := fmt.Sprintf("policy obligation: %s %s", dctx.Action, dctx.Resource)
	body := fmt.Sprintf("agent=%s tool=%s decision=%s reason=%s", dctx.Agent, t.Name, d.Decision, d.Reason)
	return n.notifier.Notify(ctx, subject, body)
}

var _ ObligationExecutor = (*NotifyExecutor)(nil)
