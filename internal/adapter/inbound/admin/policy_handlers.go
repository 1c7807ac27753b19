package admin

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/policy"
	"github.com/aegisgate/aegisgate/internal/service"
)

// conditionExprRequest is the JSON shape of a single structured-rule
// constraint.
type conditionExprRequest struct {
	Kind string `json:"kind"`
	Expr string `json:"expr"`
}

// permissionRequest/prohibitionRequest mirror policy.Permission/Prohibition.
type permissionRequest struct {
	ID          string                  `json:"id"`
	Constraints []conditionExprRequest  `json:"constraints,omitempty"`
	Grants      []string                `json:"grants,omitempty"`
	Obligations []string                `json:"obligations,omitempty"`
}

type prohibitionRequest struct {
	ID          string                 `json:"id"`
	Constraints []conditionExprRequest `json:"constraints,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// conditionsRequest is the JSON shape of policy.Conditions.
type conditionsRequest struct {
	TimeStartHour    *int     `json:"time_start_hour,omitempty"`
	TimeEndHour      *int     `json:"time_end_hour,omitempty"`
	TimeWeekdays     []int    `json:"time_weekdays,omitempty"`
	AgentTypes       []string `json:"agent_types,omitempty"`
	ResourcePatterns []string `json:"resource_patterns,omitempty"`
	TagHints         []string `json:"tag_hints,omitempty"`
}

// policyRequest is the JSON request body for creating/updating a policy.
type policyRequest struct {
	Name            string                `json:"name"`
	Status          string                `json:"status,omitempty"`
	Priority        int                   `json:"priority"`
	Tags            []string              `json:"tags,omitempty"`
	Conditions      conditionsRequest     `json:"conditions"`
	NaturalLanguage string                `json:"natural_language,omitempty"`
	Permissions     []permissionRequest   `json:"permissions,omitempty"`
	Prohibitions    []prohibitionRequest  `json:"prohibitions,omitempty"`
}

// policyResponse is the JSON response for a single policy.
type policyResponse struct {
	ID              string               `json:"id"`
	Name            string                `json:"name"`
	Status          string                `json:"status"`
	Priority        int                   `json:"priority"`
	Tags            []string              `json:"tags,omitempty"`
	Version         int                   `json:"version"`
	Conditions      conditionsRequest     `json:"conditions"`
	NaturalLanguage string                `json:"natural_language,omitempty"`
	Permissions     []permissionRequest   `json:"permissions,omitempty"`
	Prohibitions    []prohibitionRequest  `json:"prohibitions,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func toConditionExprs(reqs []conditionExprRequest) []policy.ConditionExpr {
	out := make([]policy.ConditionExpr, len(reqs))
	for i, r := range reqs {
		out[i] = policy.ConditionExpr{Kind: r.Kind, Expr: r.Expr}
	}
	return out
}

func fromConditionExprs(exprs []policy.ConditionExpr) []conditionExprRequest {
	out := make([]conditionExprRequest, len(exprs))
	for i, e := range exprs {
		out[i] = conditionExprRequest{Kind: e.Kind, Expr: e.Expr}
	}
	return out
}

// toPolicyResponse converts a domain policy to an API response.
func toPolicyResponse(p *policy.Policy) policyResponse {
	resp := policyResponse{
		ID:              p.ID,
		Name:            p.Name,
		Status:          string(p.Metadata.Status),
		Priority:        p.Metadata.Priority,
		Tags:            p.Metadata.Tags,
		Version:         p.Metadata.Version,
		NaturalLanguage: p.Body.NaturalLanguage,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}

	resp.Conditions.AgentTypes = p.Conditions.AgentTypes
	resp.Conditions.TagHints = p.Conditions.TagHints
	for _, re := range p.Conditions.ResourcePatterns {
		resp.Conditions.ResourcePatterns = append(resp.Conditions.ResourcePatterns, re.String())
	}
	if p.Conditions.Time != nil {
		start, end := p.Conditions.Time.StartHour, p.Conditions.Time.EndHour
		resp.Conditions.TimeStartHour = &start
		resp.Conditions.TimeEndHour = &end
		for _, d := range p.Conditions.Time.Weekdays {
			resp.Conditions.TimeWeekdays = append(resp.Conditions.TimeWeekdays, int(d))
		}
	}

	if p.Body.IsStructured() {
		for _, perm := range p.Body.Structured.Permissions {
			resp.Permissions = append(resp.Permissions, permissionRequest{
				ID:          perm.ID,
				Constraints: fromConditionExprs(perm.Constraints),
				Grants:      perm.Grants,
				Obligations: perm.Obligations,
			})
		}
		for _, proh := range p.Body.Structured.Prohibitions {
			resp.Prohibitions = append(resp.Prohibitions, prohibitionRequest{
				ID:          proh.ID,
				Constraints: fromConditionExprs(proh.Constraints),
				Reason:      proh.Reason,
			})
		}
	}

	return resp
}

// toDomainPolicy converts a request body to a domain policy. Returns an
// error if a resource pattern fails to compile as a regular expression.
func toDomainPolicy(req policyRequest) (*policy.Policy, error) {
	p := &policy.Policy{
		Name: req.Name,
		Metadata: policy.Metadata{
			Status:   policy.Status(req.Status),
			Priority: req.Priority,
			Tags:     req.Tags,
		},
		Conditions: policy.Conditions{
			AgentTypes: req.Conditions.AgentTypes,
			TagHints:   req.Conditions.TagHints,
		},
		Body: policy.Body{NaturalLanguage: req.NaturalLanguage},
	}

	for _, pat := range req.Conditions.ResourcePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", pat, err)
		}
		p.Conditions.ResourcePatterns = append(p.Conditions.ResourcePatterns, re)
	}

	if req.Conditions.TimeStartHour != nil && req.Conditions.TimeEndHour != nil {
		weekdays := make([]time.Weekday, len(req.Conditions.TimeWeekdays))
		for i, d := range req.Conditions.TimeWeekdays {
			weekdays[i] = time.Weekday(d)
		}
		p.Conditions.Time = &policy.TimeRange{
			StartHour: *req.Conditions.TimeStartHour,
			EndHour:   *req.Conditions.TimeEndHour,
			Weekdays:  weekdays,
		}
	}

	if len(req.Permissions) > 0 || len(req.Prohibitions) > 0 {
		rules := &policy.StructuredRuleSet{}
		for _, perm := range req.Permissions {
			rules.Permissions = append(rules.Permissions, policy.Permission{
				ID:          perm.ID,
				Constraints: toConditionExprs(perm.Constraints),
				Grants:      perm.Grants,
				Obligations: perm.Obligations,
			})
		}
		for _, proh := range req.Prohibitions {
			rules.Prohibitions = append(rules.Prohibitions, policy.Prohibition{
				ID:          proh.ID,
				Constraints: toConditionExprs(proh.Constraints),
				Reason:      proh.Reason,
			})
		}
		p.Body.Structured = rules
	}

	return p, nil
}

// WithPolicyAdminService sets the policy admin service on the AdminAPIHandler.
func WithPolicyAdminService(s *service.PolicyAdminService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.policyAdminService = s }
}

// handleListPolicies returns all policies as a JSON array.
// GET /admin/api/policies
func (h *AdminAPIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policyAdminService == nil {
		h.respondError(w, http.StatusInternalServerError, "policy service not configured")
		return
	}

	policies, err := h.policyAdminService.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list policies", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}

	result := make([]policyResponse, len(policies))
	for i := range policies {
		result[i] = toPolicyResponse(&policies[i])
	}

	h.respondJSON(w, http.StatusOK, result)
}

// handleCreatePolicy creates a new policy from the request body.
// POST /admin/api/policies
func (h *AdminAPIHandler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.policyAdminService == nil {
		h.respondError(w, http.StatusInternalServerError, "policy service not configured")
		return
	}

	var req policyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := toDomainPolicy(req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.policyAdminService.Create(r.Context(), p)
	if err != nil {
		if strings.Contains(err.Error(), "invalid policy:") {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create policy", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create policy")
		return
	}

	h.respondJSON(w, http.StatusCreated, toPolicyResponse(created))
}

// handleUpdatePolicy updates an existing policy.
// PUT /admin/api/policies/{id}
func (h *AdminAPIHandler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.policyAdminService == nil {
		h.respondError(w, http.StatusInternalServerError, "policy service not configured")
		return
	}

	id := h.pathParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "policy ID is required")
		return
	}

	var req policyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := toDomainPolicy(req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.policyAdminService.Update(r.Context(), id, p)
	if err != nil {
		if errors.Is(err, service.ErrPolicyNotFound) {
			h.respondError(w, http.StatusNotFound, "policy not found")
			return
		}
		if strings.Contains(err.Error(), "invalid policy:") {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to update policy", "error", err, "id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to update policy")
		return
	}

	h.respondJSON(w, http.StatusOK, toPolicyResponse(updated))
}

// handleDeletePolicy removes a policy by ID.
// DELETE /admin/api/policies/{id}
func (h *AdminAPIHandler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if h.policyAdminService == nil {
		h.respondError(w, http.StatusInternalServerError, "policy service not configured")
		return
	}

	id := h.pathParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "policy ID is required")
		return
	}

	err := h.policyAdminService.Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrDefaultPolicyDelete) {
			h.respondError(w, http.StatusForbidden, "cannot delete the default policy")
			return
		}
		if errors.Is(err, service.ErrPolicyNotFound) {
			h.respondError(w, http.StatusNotFound, "policy not found")
			return
		}
		h.logger.Error("failed to delete policy", "error", err, "id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to delete policy")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
