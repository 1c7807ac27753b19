package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/enforcement"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// recordingTransformer records the constraint it was asked to handle and
// optionally rejects.
type recordingTransformer struct {
	handles string
	err     error
	applied []string
}

func (r *recordingTransformer) Name() string { return "recording-transformer" }

func (r *recordingTransformer) CanHandle(constraint string) bool {
	return constraint == r.handles
}

func (r *recordingTransformer) Transform(_ context.Context, _ *decision.Context, t *enforcement.Target, constraint string) error {
	r.applied = append(r.applied, constraint)
	if r.err != nil {
		return r.err
	}
	if t.Arguments == nil {
		t.Arguments = map[string]interface{}{}
	}
	t.Arguments["transformed"] = true
	return nil
}

type recordingExecutor struct {
	handles string
	ran     []string
}

func (r *recordingExecutor) Name() string { return "recording-executor" }

func (r *recordingExecutor) CanHandle(obligation string) bool {
	return obligation == r.handles
}

func (r *recordingExecutor) Execute(_ context.Context, _ *decision.Context, _ *enforcement.Target, _ *policy.Decision, obligation string) error {
	r.ran = append(r.ran, obligation)
	return nil
}

func newEnforcementTestAction() *CanonicalAction {
	return &CanonicalAction{
		Type: ActionToolCall,
		Name: "read_file",
		Arguments: map[string]interface{}{
			"path": "/tmp/test",
		},
		Identity: ActionIdentity{
			ID:        "id-456",
			Name:      "test-user",
			SessionID: "sess-123",
			Roles:     []string{"user"},
		},
		Protocol:    "mcp",
		Gateway:     "mcp-gateway",
		RequestTime: time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC),
	}
}

func TestEnforcementInterceptor_NoDecisionPassesThrough(t *testing.T) {
	registry := enforcement.NewRegistry(testLogger())
	next := &mockNextInterceptor{}
	interceptor := NewEnforcementInterceptor(registry, next, testLogger())

	act := newEnforcementTestAction()
	result, err := interceptor.Intercept(context.Background(), act)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if result != act {
		t.Error("expected same action returned")
	}
	if !next.called {
		t.Error("next interceptor should have been called")
	}
}

func TestEnforcementInterceptor_NoConstraintsOrObligationsPassesThrough(t *testing.T) {
	registry := enforcement.NewRegistry(testLogger())
	transformer := &recordingTransformer{handles: "unused"}
	registry.RegisterTransformer(transformer)
	next := &mockNextInterceptor{}
	interceptor := NewEnforcementInterceptor(registry, next, testLogger())

	d := &policy.Decision{Decision: policy.Permit}
	ctx := policy.WithDecision(context.Background(), d)

	act := newEnforcementTestAction()
	_, err := interceptor.Intercept(ctx, act)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if len(transformer.applied) != 0 {
		t.Error("transformer should not have run when decision has no constraints/obligations")
	}
	if !next.called {
		t.Error("next interceptor should have been called")
	}
}

func TestEnforcementInterceptor_AppliesConstraintsAndMutatesArguments(t *testing.T) {
	registry := enforcement.NewRegistry(testLogger())
	transformer := &recordingTransformer{handles: "data-anonymizer"}
	registry.RegisterTransformer(transformer)
	next := &mockNextInterceptor{}
	interceptor := NewEnforcementInterceptor(registry, next, testLogger())

	d := &policy.Decision{
		Decision:    policy.Permit,
		Constraints: []string{"data-anonymizer"},
	}
	ctx := policy.WithDecision(context.Background(), d)

	act := newEnforcementTestAction()
	result, err := interceptor.Intercept(ctx, act)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if len(transformer.applied) != 1 || transformer.applied[0] != "data-anonymizer" {
		t.Errorf("expected transformer to be applied once, got %v", transformer.applied)
	}
	if result.Arguments["transformed"] != true {
		t.Error("mutated arguments should be copied back onto the action")
	}
	if !next.called {
		t.Error("next interceptor should have been called")
	}
}

func TestEnforcementInterceptor_RejectingConstraintStopsChain(t *testing.T) {
	wantErr := errors.New("rate limited")
	registry := enforcement.NewRegistry(testLogger())
	transformer := &recordingTransformer{handles: "rate-limiter", err: wantErr}
	registry.RegisterTransformer(transformer)
	next := &mockNextInterceptor{}
	interceptor := NewEnforcementInterceptor(registry, next, testLogger())

	d := &policy.Decision{
		Decision:    policy.Permit,
		Constraints: []string{"rate-limiter"},
	}
	ctx := policy.WithDecision(context.Background(), d)

	act := newEnforcementTestAction()
	result, err := interceptor.Intercept(ctx, act)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped rejection error, got: %v", err)
	}
	if result != nil {
		t.Error("result should be nil when a constraint rejects")
	}
	if next.called {
		t.Error("next interceptor should not have been called after rejection")
	}
}

func TestEnforcementInterceptor_ExecutesObligationsBestEffort(t *testing.T) {
	registry := enforcement.NewRegistry(testLogger())
	executor := &recordingExecutor{handles: "notifier"}
	registry.RegisterExecutor(executor)
	next := &mockNextInterceptor{}
	interceptor := NewEnforcementInterceptor(registry, next, testLogger())

	d := &policy.Decision{
		Decision:    policy.Permit,
		Obligations: []string{"notifier"},
	}
	ctx := policy.WithDecision(context.Background(), d)

	act := newEnforcementTestAction()
	_, err := interceptor.Intercept(ctx, act)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if len(executor.ran) != 1 || executor.ran[0] != "notifier" {
		t.Errorf("expected obligation executor to run once, got %v", executor.ran)
	}
	if !next.called {
		t.Error("next interceptor should have been called even with obligations present")
	}
}
