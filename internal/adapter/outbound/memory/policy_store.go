package memory

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// ErrPolicyNotFound is returned when a policy ID has no matching entry.
var ErrPolicyNotFound = errors.New("policy not found")

// MemoryPolicyStore implements policy.Store with an in-memory map.
// Thread-safe for concurrent access. Suitable for development, testing, and
// single-node deployments; production deployments back the Policy
// Administrator with a durable store instead.
type MemoryPolicyStore struct {
	policies map[string]*policy.Policy // ID -> Policy
	mu       sync.RWMutex
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: make(map[string]*policy.Policy),
	}
}

// GetAllPolicies returns every policy regardless of status.
func (s *MemoryPolicyStore) GetAllPolicies(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, *copyPolicy(p))
	}
	return result, nil
}

// GetActivePolicies returns only policies with Status == StatusActive.
func (s *MemoryPolicyStore) GetActivePolicies(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []policy.Policy
	for _, p := range s.policies {
		if p.Metadata.Status == policy.StatusActive {
			result = append(result, *copyPolicy(p))
		}
	}
	return result, nil
}

// GetPolicy returns a policy by ID. Returns ErrPolicyNotFound if absent.
func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

// SavePolicy creates or overwrites a policy, storing a defensive copy.
func (s *MemoryPolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.ID] = copyPolicy(p)
	return nil
}

// DeletePolicy removes a policy by ID. Returns ErrPolicyNotFound if absent.
func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

// copyPolicy creates a deep-enough copy of a policy to prevent callers from
// mutating stored state through a returned pointer.
func copyPolicy(p *policy.Policy) *policy.Policy {
	cp := *p
	cp.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
	cp.Metadata.History = append([]policy.VersionRecord(nil), p.Metadata.History...)
	cp.Conditions.AgentTypes = append([]string(nil), p.Conditions.AgentTypes...)
	cp.Conditions.ResourcePatterns = append([]*regexp.Regexp(nil), p.Conditions.ResourcePatterns...)
	cp.Conditions.TagHints = append([]string(nil), p.Conditions.TagHints...)
	return &cp
}

var _ policy.Store = (*MemoryPolicyStore)(nil)
