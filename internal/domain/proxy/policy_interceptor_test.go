package proxy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/auth"
	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// mockPolicyEngine implements policy.Engine for testing.
type mockPolicyEngine struct {
	decision policy.Decision
	err      error
	// Track if Decide was called
	decideCalled bool
	capturedCtx  *decision.Context
}

func (m *mockPolicyEngine) Decide(ctx context.Context, dctx *decision.Context, override *policy.Policy) (policy.Decision, error) {
	m.decideCalled = true
	m.capturedCtx = dctx
	return m.decision, m.err
}

// mockNextInterceptor tracks if Intercept was called.
type mockNextInterceptor struct {
	interceptCalled bool
	returnMsg       *mcp.Message
	returnErr       error
}

func (m *mockNextInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	m.interceptCalled = true
	if m.returnMsg != nil {
		return m.returnMsg, m.returnErr
	}
	return msg, m.returnErr
}

// createToolCallMessage creates a tools/call message with the given tool name and session.
func createToolCallMessage(toolName string, sess *session.Session) *mcp.Message {
	params := []byte(`{"name":"` + toolName + `","arguments":{"path":"/test/file"}}`)
	id, _ := jsonrpc.MakeID(float64(1))

	return &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded: &jsonrpc.Request{
			ID:     id,
			Method: "tools/call",
			Params: params,
		},
		Timestamp: time.Now(),
		Session:   sess,
	}
}

// createNonToolCallMessage creates a resources/list message.
func createNonToolCallMessage(sess *session.Session) *mcp.Message {
	params := []byte(`{}`)
	id, _ := jsonrpc.MakeID(float64(2))

	return &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"resources/list","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded: &jsonrpc.Request{
			ID:     id,
			Method: "resources/list",
			Params: params,
		},
		Timestamp: time.Now(),
		Session:   sess,
	}
}

// createTestSession creates a session with the given roles.
func createTestSession(roles ...auth.Role) *session.Session {
	return &session.Session{
		ID:         "test-session-123",
		IdentityID: "test-identity",
		Roles:      roles,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(30 * time.Minute),
		LastAccess: time.Now(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPolicyInterceptor_NonToolCall(t *testing.T) {
	engine := &mockPolicyEngine{
		decision: policy.Decision{Decision: policy.Permit},
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	sess := createTestSession(auth.RoleUser)
	msg := createNonToolCallMessage(sess)

	result, err := interceptor.Intercept(context.Background(), msg)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result == nil {
		t.Fatal("expected message to be returned")
	}
	if !next.interceptCalled {
		t.Error("expected next.Intercept to be called")
	}
	if engine.decideCalled {
		t.Error("expected policy engine NOT to be called for non-tool-call")
	}
}

func TestPolicyInterceptor_AllowedToolCall(t *testing.T) {
	engine := &mockPolicyEngine{
		decision: policy.Decision{
			Decision: policy.Permit,
			Reason:   "matched permissive policy",
		},
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	sess := createTestSession(auth.RoleAdmin)
	msg := createToolCallMessage("read_file", sess)

	result, err := interceptor.Intercept(context.Background(), msg)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result == nil {
		t.Fatal("expected message to be returned")
	}
	if !engine.decideCalled {
		t.Error("expected policy engine to be called")
	}
	if !next.interceptCalled {
		t.Error("expected next.Intercept to be called for allowed tool call")
	}
	if engine.capturedCtx.Resource != "tool:read_file" {
		t.Errorf("expected resource 'tool:read_file', got: %s", engine.capturedCtx.Resource)
	}
}

func TestPolicyInterceptor_DeniedToolCall(t *testing.T) {
	engine := &mockPolicyEngine{
		decision: policy.Decision{
			Decision: policy.Deny,
			Reason:   "matched prohibition block-delete",
		},
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	sess := createTestSession(auth.RoleUser)
	msg := createToolCallMessage("delete_file", sess)

	result, err := interceptor.Intercept(context.Background(), msg)

	if err == nil {
		t.Fatal("expected error for denied tool call")
	}
	if !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("expected ErrPolicyDenied, got: %v", err)
	}
	if result != nil {
		t.Error("expected nil message on denied tool call")
	}
	if !engine.decideCalled {
		t.Error("expected policy engine to be called")
	}
	if next.interceptCalled {
		t.Error("expected next.Intercept NOT to be called for denied tool call")
	}
}

func TestPolicyInterceptor_MissingSession(t *testing.T) {
	engine := &mockPolicyEngine{
		decision: policy.Decision{Decision: policy.Permit},
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	msg := createToolCallMessage("read_file", nil) // nil session

	result, err := interceptor.Intercept(context.Background(), msg)

	if err == nil {
		t.Fatal("expected error for missing session")
	}
	if !errors.Is(err, ErrMissingSession) {
		t.Errorf("expected ErrMissingSession, got: %v", err)
	}
	if result != nil {
		t.Error("expected nil message on missing session")
	}
	if engine.decideCalled {
		t.Error("expected policy engine NOT to be called for missing session")
	}
	if next.interceptCalled {
		t.Error("expected next.Intercept NOT to be called for missing session")
	}
}

func TestPolicyInterceptor_InvalidParams(t *testing.T) {
	engine := &mockPolicyEngine{
		decision: policy.Decision{Decision: policy.Permit},
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	sess := createTestSession(auth.RoleUser)

	id, _ := jsonrpc.MakeID(float64(1))
	msg := &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded: &jsonrpc.Request{
			ID:     id,
			Method: "tools/call",
			Params: []byte(`{invalid json}`),
		},
		Timestamp: time.Now(),
		Session:   sess,
	}

	result, err := interceptor.Intercept(context.Background(), msg)

	if err == nil {
		t.Fatal("expected error for invalid params")
	}
	if result != nil {
		t.Error("expected nil message on invalid params")
	}
	if engine.decideCalled {
		t.Error("expected policy engine NOT to be called for invalid params")
	}
	if next.interceptCalled {
		t.Error("expected next.Intercept NOT to be called for invalid params")
	}
}

func TestPolicyInterceptor_EngineError(t *testing.T) {
	engine := &mockPolicyEngine{
		err: errors.New("evaluation error"),
	}
	next := &mockNextInterceptor{}
	interceptor := NewPolicyInterceptor(engine, next, testLogger())

	sess := createTestSession(auth.RoleUser)
	msg := createToolCallMessage("read_file", sess)

	result, err := interceptor.Intercept(context.Background(), msg)

	if err == nil {
		t.Fatal("expected error when policy engine fails")
	}
	if result != nil {
		t.Error("expected nil message on engine error")
	}
	if !engine.decideCalled {
		t.Error("expected policy engine to be called")
	}
	if next.interceptCalled {
		t.Error("expected next.Intercept NOT to be called on engine error")
	}
}

func TestBuildDecisionContext(t *testing.T) {
	sess := &session.Session{
		ID:           "session-abc",
		IdentityID:   "identity-xyz",
		IdentityName: "jane",
		Roles:        []auth.Role{auth.RoleAdmin, auth.RoleUser},
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(30 * time.Minute),
		LastAccess:   time.Now(),
	}

	params := []byte(`{"name":"write_file","arguments":{"path":"/tmp/test.txt","content":"hello"}}`)
	id, _ := jsonrpc.MakeID(float64(1))
	timestamp := time.Now()

	msg := &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded: &jsonrpc.Request{
			ID:     id,
			Method: "tools/call",
			Params: params,
		},
		Timestamp: timestamp,
		Session:   sess,
	}

	dctx, err := buildDecisionContext(msg)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if dctx.Resource != "tool:write_file" {
		t.Errorf("expected resource 'tool:write_file', got: %s", dctx.Resource)
	}
	if dctx.Agent != "jane" {
		t.Errorf("expected agent 'jane', got: %s", dctx.Agent)
	}
	if dctx.AgentType != "admin" {
		t.Errorf("expected agent type 'admin', got: %s", dctx.AgentType)
	}
	if !dctx.Time.Equal(timestamp) {
		t.Errorf("expected request time %v, got: %v", timestamp, dctx.Time)
	}
}

func TestBuildDecisionContext_MissingToolName(t *testing.T) {
	sess := createTestSession(auth.RoleUser)

	params := []byte(`{"arguments":{"path":"/test"}}`)
	id, _ := jsonrpc.MakeID(float64(1))

	msg := &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded: &jsonrpc.Request{
			ID:     id,
			Method: "tools/call",
			Params: params,
		},
		Timestamp: time.Now(),
		Session:   sess,
	}

	_, err := buildDecisionContext(msg)

	if err == nil {
		t.Fatal("expected error for missing tool name")
	}
}
