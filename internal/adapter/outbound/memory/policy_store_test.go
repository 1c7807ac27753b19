// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

func activeTestPolicy(id, name string) *policy.Policy {
	return &policy.Policy{
		ID:       id,
		Name:     name,
		Metadata: policy.Metadata{Status: policy.StatusActive, Version: 1},
	}
}

func TestPolicyStore_GetAllPolicies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.SavePolicy(ctx, activeTestPolicy("policy-active-1", "Active Policy 1")); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}
	if err := store.SavePolicy(ctx, activeTestPolicy("policy-active-2", "Active Policy 2")); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}
	draft := &policy.Policy{ID: "policy-draft", Name: "Draft Policy", Metadata: policy.Metadata{Status: policy.StatusDraft}}
	if err := store.SavePolicy(ctx, draft); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}

	policies, err := store.GetAllPolicies(ctx)
	if err != nil {
		t.Fatalf("GetAllPolicies() error: %v", err)
	}
	if len(policies) != 3 {
		t.Errorf("GetAllPolicies() returned %d policies, want 3 (all statuses)", len(policies))
	}
}

func TestPolicyStore_GetAllPolicies_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	policies, err := store.GetAllPolicies(ctx)
	if err != nil {
		t.Fatalf("GetAllPolicies() error: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("GetAllPolicies() on empty store returned %d policies, want 0", len(policies))
	}
}

func TestPolicyStore_GetActivePolicies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.SavePolicy(ctx, activeTestPolicy("active-1", "Active")); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}
	if err := store.SavePolicy(ctx, &policy.Policy{ID: "deprecated-1", Name: "Old", Metadata: policy.Metadata{Status: policy.StatusDeprecated}}); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}

	active, err := store.GetActivePolicies(ctx)
	if err != nil {
		t.Fatalf("GetActivePolicies() error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("GetActivePolicies() returned %d policies, want 1", len(active))
	}
	if active[0].ID != "active-1" {
		t.Errorf("GetActivePolicies()[0].ID = %q, want %q", active[0].ID, "active-1")
	}
}

func TestPolicyStore_GetPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(*MemoryPolicyStore)
		policyID string
		wantErr  error
	}{
		{
			name: "existing policy",
			setup: func(s *MemoryPolicyStore) {
				_ = s.SavePolicy(context.Background(), activeTestPolicy("existing-policy", "Test Policy"))
			},
			policyID: "existing-policy",
			wantErr:  nil,
		},
		{
			name:     "non-existent policy",
			setup:    func(s *MemoryPolicyStore) {},
			policyID: "missing",
			wantErr:  ErrPolicyNotFound,
		},
		{
			name: "draft policy still retrievable",
			setup: func(s *MemoryPolicyStore) {
				_ = s.SavePolicy(context.Background(), &policy.Policy{ID: "draft-policy", Name: "Draft Policy", Metadata: policy.Metadata{Status: policy.StatusDraft}})
			},
			policyID: "draft-policy",
			wantErr:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := NewPolicyStore()
			tt.setup(store)

			got, err := store.GetPolicy(ctx, tt.policyID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetPolicy() error = %v, want %v", err, tt.wantErr)
				return
			}
			if tt.wantErr == nil && got == nil {
				t.Error("GetPolicy() returned nil for existing policy")
			}
		})
	}
}

func TestPolicyStore_SavePolicy_Create(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	p := &policy.Policy{
		ID:        "new-policy",
		Name:      "New Policy",
		Metadata:  policy.Metadata{Status: policy.StatusActive, Version: 1},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := store.SavePolicy(ctx, p); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}

	got, err := store.GetPolicy(ctx, "new-policy")
	if err != nil {
		t.Fatalf("GetPolicy() error: %v", err)
	}
	if got.Name != "New Policy" {
		t.Errorf("Name = %q, want %q", got.Name, "New Policy")
	}
}

func TestPolicyStore_SavePolicy_Update(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	p := &policy.Policy{ID: "update-policy", Name: "Original Name", Metadata: policy.Metadata{Version: 1}}
	if err := store.SavePolicy(ctx, p); err != nil {
		t.Fatalf("SavePolicy() create error: %v", err)
	}

	p.Name = "Updated Name"
	p.Metadata.Version = 2
	if err := store.SavePolicy(ctx, p); err != nil {
		t.Fatalf("SavePolicy() update error: %v", err)
	}

	got, err := store.GetPolicy(ctx, "update-policy")
	if err != nil {
		t.Fatalf("GetPolicy() error: %v", err)
	}
	if got.Name != "Updated Name" {
		t.Errorf("Name = %q, want %q", got.Name, "Updated Name")
	}
	if got.Metadata.Version != 2 {
		t.Errorf("Metadata.Version = %d, want 2", got.Metadata.Version)
	}
}

func TestPolicyStore_DeletePolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.SavePolicy(ctx, activeTestPolicy("delete-me", "To Delete")); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}

	if err := store.DeletePolicy(ctx, "delete-me"); err != nil {
		t.Fatalf("DeletePolicy() error: %v", err)
	}

	_, err := store.GetPolicy(ctx, "delete-me")
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("GetPolicy() after delete error = %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyStore_DeletePolicy_NonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	err := store.DeletePolicy(ctx, "nonexistent")
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("DeletePolicy() for non-existent error = %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyStore_CopyOnReturn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.SavePolicy(ctx, &policy.Policy{
		ID:       "copy-test-policy",
		Name:     "Original Name",
		Metadata: policy.Metadata{Tags: []string{"orig"}},
	}); err != nil {
		t.Fatalf("SavePolicy() error: %v", err)
	}

	got1, err := store.GetPolicy(ctx, "copy-test-policy")
	if err != nil {
		t.Fatalf("GetPolicy() error: %v", err)
	}
	got1.Name = "Modified Name"
	got1.Metadata.Tags[0] = "modified"
	got1.Metadata.Tags = append(got1.Metadata.Tags, "extra")

	got2, err := store.GetPolicy(ctx, "copy-test-policy")
	if err != nil {
		t.Fatalf("GetPolicy() second call error: %v", err)
	}
	if got2.Name == "Modified Name" {
		t.Error("Store returned reference instead of copy (Name was modified)")
	}
	if len(got2.Metadata.Tags) != 1 || got2.Metadata.Tags[0] != "orig" {
		t.Errorf("Store returned reference instead of copy (Tags = %v)", got2.Metadata.Tags)
	}
}

func TestPolicyStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	for i := 0; i < 10; i++ {
		if err := store.SavePolicy(ctx, activeTestPolicy(fmt.Sprintf("policy-%d", i), fmt.Sprintf("Policy %d", i))); err != nil {
			t.Fatalf("SavePolicy() error: %v", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 500)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetAllPolicies(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			policyID := fmt.Sprintf("policy-%d", idx%10)
			if _, err := store.GetPolicy(ctx, policyID); err != nil && !errors.Is(err, ErrPolicyNotFound) {
				errCh <- err
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p := activeTestPolicy(fmt.Sprintf("new-policy-%d", idx), "New Policy")
			if err := store.SavePolicy(ctx, p); err != nil {
				errCh <- err
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			policyID := fmt.Sprintf("policy-%d", idx%10)
			_ = store.DeletePolicy(ctx, policyID)
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent access error: %v", err)
	}
}
