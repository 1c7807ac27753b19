package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/aegisgate/internal/adapter/outbound/memory"
	"github.com/aegisgate/aegisgate/internal/adapter/outbound/state"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// ErrDefaultPolicyDelete is returned when attempting to delete the default policy.
var ErrDefaultPolicyDelete = errors.New("cannot delete the default policy")

// ErrPolicyNotFound is returned when a policy is not found.
var ErrPolicyNotFound = errors.New("policy not found")

// DefaultPolicyName is the name used to identify the default policy.
const DefaultPolicyName = "Default RBAC Policy"

// DevDefaultPolicyName is the name used by the dev-mode default policy.
const DevDefaultPolicyName = "dev-allow-all"

// PolicyAdminService provides CRUD operations on policies with default-policy
// protection, version history tracking, and persistence to state.json. It
// owns the encode/decode boundary between the policy domain's Go structures
// (Conditions, Body) and the opaque JSON blobs stored in state.PolicyEntry.
type PolicyAdminService struct {
	store      policy.Store
	stateStore *state.FileStateStore
	logger     *slog.Logger
	mu         sync.Mutex // serializes state writes
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(store policy.Store, stateStore *state.FileStateStore, logger *slog.Logger) *PolicyAdminService {
	return &PolicyAdminService{
		store:      store,
		stateStore: stateStore,
		logger:     logger,
	}
}

// List returns all policies from the store, regardless of status.
func (s *PolicyAdminService) List(ctx context.Context) ([]policy.Policy, error) {
	return s.store.GetAllPolicies(ctx)
}

// Get returns a single policy by ID. Returns ErrPolicyNotFound if it does
// not exist.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (*policy.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrPolicyNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// Create creates a new policy, generating its ID and initial version,
// persisting it to state.json.
func (s *PolicyAdminService) Create(ctx context.Context, p *policy.Policy) (*policy.Policy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	now := time.Now().UTC()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now

	if p.Metadata.Status == "" {
		p.Metadata.Status = policy.StatusActive
	}
	p.Metadata.Version = 1

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	if err := s.persistState(ctx); err != nil {
		s.logger.Error("failed to persist state after create", "policy_id", p.ID, "error", err)
		return nil, fmt.Errorf("persist state: %w", err)
	}

	s.logger.Info("policy created", "id", p.ID, "name", p.Name, "status", p.Metadata.Status)

	return s.store.GetPolicy(ctx, p.ID)
}

// Update updates an existing policy. Preserves the ID, CreatedAt timestamp,
// and records the policy's prior body as a VersionRecord in Metadata.History
// before bumping the version.
// Returns ErrPolicyNotFound if the policy does not exist.
func (s *PolicyAdminService) Update(ctx context.Context, id string, p *policy.Policy) (*policy.Policy, error) {
	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrPolicyNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("get existing policy: %w", err)
	}

	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	if p.Metadata.Status == "" {
		p.Metadata.Status = existing.Metadata.Status
	}
	p.Metadata.History = append(existing.Metadata.History, policy.VersionRecord{
		Version:   existing.Metadata.Version,
		Body:      existing.Body,
		UpdatedBy: "admin",
		UpdatedAt: existing.UpdatedAt,
	})
	p.Metadata.Version = existing.Metadata.Version + 1

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	if err := s.persistState(ctx); err != nil {
		s.logger.Error("failed to persist state after update", "policy_id", id, "error", err)
		return nil, fmt.Errorf("persist state: %w", err)
	}

	s.logger.Info("policy updated", "id", id, "name", p.Name, "version", p.Metadata.Version)

	return s.store.GetPolicy(ctx, id)
}

// Delete removes a policy by ID. The default policy cannot be deleted.
func (s *PolicyAdminService) Delete(ctx context.Context, id string) error {
	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrPolicyNotFound) {
			return ErrPolicyNotFound
		}
		return fmt.Errorf("get policy: %w", err)
	}

	if existing.Name == DefaultPolicyName || existing.Name == DevDefaultPolicyName {
		return ErrDefaultPolicyDelete
	}

	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}

	if err := s.persistState(ctx); err != nil {
		s.logger.Error("failed to persist state after delete", "policy_id", id, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}

	s.logger.Info("policy deleted", "id", id)
	return nil
}

// LoadPoliciesFromState decodes policy entries from state.json into the
// in-memory policy store. Entries whose ID is already present in the store
// (e.g. seeded from YAML config) are skipped to avoid clobbering them.
func (s *PolicyAdminService) LoadPoliciesFromState(ctx context.Context, appState *state.AppState) error {
	if len(appState.Policies) == 0 {
		return nil
	}

	existing, _ := s.store.GetAllPolicies(ctx)
	existingIDs := make(map[string]bool, len(existing))
	for _, p := range existing {
		existingIDs[p.ID] = true
	}

	for _, entry := range appState.Policies {
		if existingIDs[entry.ID] {
			continue
		}

		conditions, err := decodeConditions(entry.ConditionsJSON)
		if err != nil {
			s.logger.Error("failed to decode policy conditions from state", "id", entry.ID, "error", err)
			continue
		}
		body, err := decodeBody(entry.BodyJSON)
		if err != nil {
			s.logger.Error("failed to decode policy body from state", "id", entry.ID, "error", err)
			continue
		}

		p := &policy.Policy{
			ID:   entry.ID,
			Name: entry.Name,
			Metadata: policy.Metadata{
				Status:   policy.Status(entry.Status),
				Priority: entry.Priority,
				Tags:     entry.Tags,
				Version:  entry.Version,
			},
			Conditions: conditions,
			Body:       body,
			CreatedAt:  entry.CreatedAt,
			UpdatedAt:  entry.UpdatedAt,
		}

		if err := s.store.SavePolicy(ctx, p); err != nil {
			s.logger.Error("failed to load policy from state", "id", entry.ID, "error", err)
			continue
		}
		s.logger.Info("loaded policy from state", "id", entry.ID, "name", entry.Name)
	}

	return nil
}

// persistState reads all policies from the store, encodes their Conditions
// and Body into JSON blobs, and saves them into state.json.
func (s *PolicyAdminService) persistState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.store.GetAllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list policies for persistence: %w", err)
	}

	entries := make([]state.PolicyEntry, 0, len(policies))
	for _, p := range policies {
		conditionsJSON, err := encodeConditions(p.Conditions)
		if err != nil {
			return fmt.Errorf("encode conditions for policy %s: %w", p.ID, err)
		}
		bodyJSON, err := encodeBody(p.Body)
		if err != nil {
			return fmt.Errorf("encode body for policy %s: %w", p.ID, err)
		}

		entries = append(entries, state.PolicyEntry{
			ID:             p.ID,
			Name:           p.Name,
			Status:         string(p.Metadata.Status),
			Priority:       p.Metadata.Priority,
			Tags:           p.Metadata.Tags,
			Version:        p.Metadata.Version,
			ConditionsJSON: conditionsJSON,
			BodyJSON:       bodyJSON,
			CreatedAt:      p.CreatedAt,
			UpdatedAt:      p.UpdatedAt,
		})
	}

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state for persistence: %w", err)
	}

	appState.Policies = entries

	if err := s.stateStore.Save(appState); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

// --- JSON encode/decode for policy.Conditions and policy.Body ---
//
// regexp.Regexp and time.Weekday don't round-trip through encoding/json on
// their own, so the Policy Administrator mirrors Conditions/Body into plain
// serializable shapes before writing them into state.PolicyEntry's opaque
// BodyJSON/ConditionsJSON blobs.

type persistedTimeRange struct {
	StartHour int   `json:"start_hour"`
	EndHour   int   `json:"end_hour"`
	Weekdays  []int `json:"weekdays,omitempty"`
}

type persistedConditions struct {
	Time             *persistedTimeRange `json:"time,omitempty"`
	AgentTypes       []string            `json:"agent_types,omitempty"`
	ResourcePatterns []string            `json:"resource_patterns,omitempty"`
	TagHints         []string            `json:"tag_hints,omitempty"`
}

type persistedConditionExpr struct {
	Kind string `json:"kind"`
	Expr string `json:"expr"`
}

type persistedPermission struct {
	ID          string                   `json:"id"`
	Constraints []persistedConditionExpr `json:"constraints,omitempty"`
	Grants      []string                 `json:"grants,omitempty"`
	Obligations []string                 `json:"obligations,omitempty"`
}

type persistedProhibition struct {
	ID          string                   `json:"id"`
	Constraints []persistedConditionExpr `json:"constraints,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
}

type persistedBody struct {
	Permissions     []persistedPermission  `json:"permissions,omitempty"`
	Prohibitions    []persistedProhibition `json:"prohibitions,omitempty"`
	NaturalLanguage string                 `json:"natural_language,omitempty"`
}

func encodeConditions(c policy.Conditions) (string, error) {
	pc := persistedConditions{
		AgentTypes: c.AgentTypes,
		TagHints:   c.TagHints,
	}
	for _, p := range c.ResourcePatterns {
		pc.ResourcePatterns = append(pc.ResourcePatterns, p.String())
	}
	if c.Time != nil {
		weekdays := make([]int, len(c.Time.Weekdays))
		for i, d := range c.Time.Weekdays {
			weekdays[i] = int(d)
		}
		pc.Time = &persistedTimeRange{StartHour: c.Time.StartHour, EndHour: c.Time.EndHour, Weekdays: weekdays}
	}
	b, err := json.Marshal(pc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeConditions(raw string) (policy.Conditions, error) {
	if raw == "" {
		return policy.Conditions{}, nil
	}
	var pc persistedConditions
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return policy.Conditions{}, err
	}

	c := policy.Conditions{AgentTypes: pc.AgentTypes, TagHints: pc.TagHints}
	for _, pat := range pc.ResourcePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return policy.Conditions{}, fmt.Errorf("compile resource pattern %q: %w", pat, err)
		}
		c.ResourcePatterns = append(c.ResourcePatterns, re)
	}
	if pc.Time != nil {
		weekdays := make([]time.Weekday, len(pc.Time.Weekdays))
		for i, d := range pc.Time.Weekdays {
			weekdays[i] = time.Weekday(d)
		}
		c.Time = &policy.TimeRange{StartHour: pc.Time.StartHour, EndHour: pc.Time.EndHour, Weekdays: weekdays}
	}
	return c, nil
}

func encodeBody(b policy.Body) (string, error) {
	pb := persistedBody{NaturalLanguage: b.NaturalLanguage}
	if b.Structured != nil {
		for _, perm := range b.Structured.Permissions {
			pb.Permissions = append(pb.Permissions, persistedPermission{
				ID:          perm.ID,
				Constraints: encodeConditionExprs(perm.Constraints),
				Grants:      perm.Grants,
				Obligations: perm.Obligations,
			})
		}
		for _, proh := range b.Structured.Prohibitions {
			pb.Prohibitions = append(pb.Prohibitions, persistedProhibition{
				ID:          proh.ID,
				Constraints: encodeConditionExprs(proh.Constraints),
				Reason:      proh.Reason,
			})
		}
	}
	out, err := json.Marshal(pb)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeBody(raw string) (policy.Body, error) {
	if raw == "" {
		return policy.Body{}, nil
	}
	var pb persistedBody
	if err := json.Unmarshal([]byte(raw), &pb); err != nil {
		return policy.Body{}, err
	}

	b := policy.Body{NaturalLanguage: pb.NaturalLanguage}
	if len(pb.Permissions) > 0 || len(pb.Prohibitions) > 0 {
		rules := &policy.StructuredRuleSet{}
		for _, perm := range pb.Permissions {
			rules.Permissions = append(rules.Permissions, policy.Permission{
				ID:          perm.ID,
				Constraints: decodeConditionExprs(perm.Constraints),
				Grants:      perm.Grants,
				Obligations: perm.Obligations,
			})
		}
		for _, proh := range pb.Prohibitions {
			rules.Prohibitions = append(rules.Prohibitions, policy.Prohibition{
				ID:          proh.ID,
				Constraints: decodeConditionExprs(proh.Constraints),
				Reason:      proh.Reason,
			})
		}
		b.Structured = rules
	}
	return b, nil
}

func encodeConditionExprs(exprs []policy.ConditionExpr) []persistedConditionExpr {
	out := make([]persistedConditionExpr, len(exprs))
	for i, e := range exprs {
		out[i] = persistedConditionExpr{Kind: e.Kind, Expr: e.Expr}
	}
	return out
}

func decodeConditionExprs(exprs []persistedConditionExpr) []policy.ConditionExpr {
	out := make([]policy.ConditionExpr, len(exprs))
	for i, e := range exprs {
		out[i] = policy.ConditionExpr{Kind: e.Kind, Expr: e.Expr}
	}
	return out
}
