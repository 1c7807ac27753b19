// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisgate/aegisgate/internal/adapter/outbound/state"
	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// PolicyEvaluateRequest represents a policy evaluation request from the API.
type PolicyEvaluateRequest struct {
	Agent            string         `json:"agent"`
	AgentType        string         `json:"agent_type,omitempty"`
	Action           string         `json:"action"`
	Resource         string         `json:"resource"`
	Purpose          string         `json:"purpose,omitempty"`
	ClearanceLevel   int            `json:"clearance_level,omitempty"`
	ViolationHistory int            `json:"violation_history,omitempty"`
	Enrichments      map[string]any `json:"enrichments,omitempty"`
}

// PolicyEvaluateResponse represents the structured result of a policy evaluation.
type PolicyEvaluateResponse struct {
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	RiskLevel   string   `json:"risk_level"`
	Constraints []string `json:"constraints,omitempty"`
	Obligations []string `json:"obligations,omitempty"`
	HelpURL     string   `json:"help_url,omitempty"`
	HelpText    string   `json:"help_text,omitempty"`
	RequestID   string   `json:"request_id"`
	LatencyMs   int64    `json:"latency_ms"`
}

// PolicyEvaluation represents a stored evaluation record, polled by clients
// that submitted a request asynchronously.
type PolicyEvaluation struct {
	RequestID string    `json:"request_id"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Decision  string    `json:"decision"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyEvaluationService wraps the core policy.Engine, adds request
// tracking (latency, status polling) and generates helpful deny messages
// for clients.
type PolicyEvaluationService struct {
	engine     policy.Engine
	policyStore policy.Store
	stateStore *state.FileStateStore
	logger     *slog.Logger

	mu          sync.RWMutex
	evaluations map[string]*PolicyEvaluation // keyed by request_id
	evalOrder   []string                     // FIFO order for eviction
	maxEvals    int
}

// NewPolicyEvaluationService creates a new PolicyEvaluationService.
func NewPolicyEvaluationService(
	engine policy.Engine,
	store policy.Store,
	stateStore *state.FileStateStore,
	logger *slog.Logger,
) *PolicyEvaluationService {
	return &PolicyEvaluationService{
		engine:      engine,
		policyStore: store,
		stateStore:  stateStore,
		logger:      logger,
		evaluations: make(map[string]*PolicyEvaluation),
		evalOrder:   make([]string, 0, 1000),
		maxEvals:    1000,
	}
}

// Evaluate processes a policy evaluation request: builds a decision.Context
// from req, runs it through the engine, and returns a response enriched
// with help text for deny/indeterminate verdicts.
func (s *PolicyEvaluationService) Evaluate(ctx context.Context, req PolicyEvaluateRequest) (*PolicyEvaluateResponse, error) {
	requestID := ulid.Make().String()
	start := time.Now()

	dctx := s.buildContext(req)

	d, err := s.engine.Decide(ctx, dctx, nil)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	latencyMs := time.Since(start).Milliseconds()

	resp := &PolicyEvaluateResponse{
		Decision:    strings.ToLower(string(d.Decision)),
		Reason:      d.Reason,
		Confidence:  d.Confidence,
		RiskLevel:   string(d.RiskLevel),
		Constraints: d.Constraints,
		Obligations: d.Obligations,
		RequestID:   requestID,
		LatencyMs:   latencyMs,
	}

	if d.Decision != policy.Permit {
		resp.HelpURL = GenerateHelpURL(req.Action)
		resp.HelpText = GenerateHelpText(d)
	}

	now := time.Now().UTC()
	s.storeEvaluation(&PolicyEvaluation{
		RequestID: requestID,
		Agent:     req.Agent,
		Action:    req.Action,
		Resource:  req.Resource,
		Decision:  resp.Decision,
		Status:    resp.Decision,
		LatencyMs: latencyMs,
		CreatedAt: now,
		UpdatedAt: now,
	})

	s.logger.Debug("policy evaluation completed",
		"request_id", requestID,
		"agent", req.Agent,
		"action", req.Action,
		"resource", req.Resource,
		"decision", resp.Decision,
		"latency_ms", latencyMs,
	)

	return resp, nil
}

// GetEvaluationStatus returns the status of a policy evaluation by request
// ID. Returns nil if the evaluation is not found.
func (s *PolicyEvaluationService) GetEvaluationStatus(requestID string) *PolicyEvaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluations[requestID]
}

// buildContext converts a PolicyEvaluateRequest to a decision.Context.
func (s *PolicyEvaluationService) buildContext(req PolicyEvaluateRequest) *decision.Context {
	dctx := decision.New(req.Agent, decision.Action(strings.ToLower(req.Action)), req.Resource, time.Now())
	dctx.AgentType = req.AgentType
	dctx.Purpose = req.Purpose
	dctx.ClearanceLevel = req.ClearanceLevel
	dctx.ViolationHistory = req.ViolationHistory
	for name, data := range req.Enrichments {
		if m, ok := data.(map[string]any); ok {
			dctx.SetEnrichment(name, m)
		}
	}
	return dctx
}

// storeEvaluation stores an evaluation record with bounded FIFO eviction.
func (s *PolicyEvaluationService) storeEvaluation(eval *PolicyEvaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.evalOrder) >= s.maxEvals {
		oldID := s.evalOrder[0]
		s.evalOrder = s.evalOrder[1:]
		delete(s.evaluations, oldID)
	}

	s.evaluations[eval.RequestID] = eval
	s.evalOrder = append(s.evalOrder, eval.RequestID)
}

// GenerateHelpText creates a human-readable help text from a policy decision.
func GenerateHelpText(d policy.Decision) string {
	if d.Reason == "" {
		return "This action was denied by policy. Contact your administrator for access."
	}
	return fmt.Sprintf("Action %s: %s. Contact your admin if you believe this is in error.", strings.ToLower(string(d.Decision)), d.Reason)
}

// GenerateHelpURL creates a URL pointing to the admin policy console, scoped
// to the action name when known.
func GenerateHelpURL(action string) string {
	if action == "" {
		return "/admin/policies"
	}
	return fmt.Sprintf("/admin/policies?action=%s", action)
}
