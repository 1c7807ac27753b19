package admin

import (
	"net/http"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// PolicyTestRequest is the JSON request body for testing a hypothetical
// policy decision.
type PolicyTestRequest struct {
	// Agent is the simulated agent identifier.
	Agent string `json:"agent,omitempty"`
	// AgentType classifies the agent (e.g. "assistant", "autonomous").
	AgentType string `json:"agent_type,omitempty"`
	// Action is the canonical action being attempted (read, write, delete, ...).
	Action string `json:"action"`
	// Resource is the target resource identifier (required).
	Resource string `json:"resource"`
	// Purpose is the stated justification for the action.
	Purpose string `json:"purpose,omitempty"`
}

// PolicyTestResponse is the JSON response from a policy test evaluation.
type PolicyTestResponse struct {
	// Decision is "permit", "deny", or "indeterminate".
	Decision string `json:"decision"`
	// Reason is the explanation from the policy engine.
	Reason string `json:"reason"`
	// Confidence is the engine's confidence in the decision, 0-1.
	Confidence float64 `json:"confidence"`
	// RiskLevel is the assessed risk of the attempted action.
	RiskLevel string `json:"risk_level"`
	// ConflictingPolicies lists policy IDs considered when more than one
	// applicable policy produced a decision, empty otherwise.
	ConflictingPolicies []string `json:"conflicting_policies,omitempty"`
}

// handleTestPolicy evaluates a hypothetical request against the current
// policy set without recording an audit entry.
// POST /admin/api/policies/test
func (h *AdminAPIHandler) handleTestPolicy(w http.ResponseWriter, r *http.Request) {
	if h.policyEngine == nil {
		h.respondError(w, http.StatusInternalServerError, "policy engine not configured")
		return
	}

	var req PolicyTestRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Resource == "" {
		h.respondError(w, http.StatusBadRequest, "resource is required")
		return
	}
	if req.Action == "" {
		h.respondError(w, http.StatusBadRequest, "action is required")
		return
	}

	dctx := decision.New(req.Agent, decision.Action(req.Action), req.Resource, time.Now())
	dctx.AgentType = req.AgentType
	dctx.Purpose = req.Purpose

	d, err := h.policyEngine.Decide(r.Context(), dctx, nil)
	if err != nil {
		h.logger.Error("policy test evaluation failed", "error", err, "resource", req.Resource)
		h.respondError(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}

	resp := PolicyTestResponse{
		Decision:   string(d.Decision),
		Reason:     d.Reason,
		Confidence: d.Confidence,
		RiskLevel:  string(d.RiskLevel),
	}
	if ids, ok := d.Metadata["conflictingPolicies"].([]string); ok {
		resp.ConflictingPolicies = ids
	}

	h.respondJSON(w, http.StatusOK, resp)
}
