package corerun

import (
	"context"
	"sync"
	"testing"

	"github.com/corerun/corerun/relstore"
)

type fakeResourceStore struct {
	relstore.Store

	mu        sync.Mutex
	byProject map[string]Resource
}

func newFakeResourceStore() *fakeResourceStore {
	return &fakeResourceStore{byProject: make(map[string]Resource)}
}

func (f *fakeResourceStore) GetResourceByProject(_ context.Context, projectID string) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.byProject[projectID]; ok {
		return r, nil
	}
	return Resource{}, relstore.ErrNotFound
}

func TestResourceResolverDBHit(t *testing.T) {
	store := newFakeResourceStore()
	store.byProject["proj-1"] = Resource{ID: "res-1", ProjectID: "proj-1", Status: ResourceActive, PreviewURL: "http://x"}

	pool := SandboxPool{
		ClaimSandbox: func(context.Context, string, string) (Resource, error) {
			t.Fatal("ClaimSandbox should not be called when a resource row already exists")
			return Resource{}, nil
		},
	}
	r := NewResourceResolver(store, pool, nil)

	info, err := r.Resolve(t.Context(), "acct-1", "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ResourceID != "res-1" {
		t.Errorf("expected res-1, got %s", info.ResourceID)
	}
}

func TestResourceResolverClaimsFromPool(t *testing.T) {
	store := newFakeResourceStore()
	claimed := Resource{ID: "res-2", ProjectID: "proj-2", OwnedBy: "acct-2", Status: ResourceActive}
	pool := SandboxPool{
		ClaimSandbox: func(_ context.Context, accountID, projectID string) (Resource, error) {
			return claimed, nil
		},
	}
	r := NewResourceResolver(store, pool, nil)

	info, err := r.Resolve(t.Context(), "acct-2", "proj-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ResourceID != "res-2" {
		t.Errorf("expected res-2, got %s", info.ResourceID)
	}
}

func TestResourceResolverCreatesWhenPoolEmpty(t *testing.T) {
	store := newFakeResourceStore()
	created := Resource{ID: "res-3", ProjectID: "proj-3", OwnedBy: "acct-3", Status: ResourceActive}
	pool := SandboxPool{
		ClaimSandbox: func(context.Context, string, string) (Resource, error) {
			return Resource{}, relstore.ErrNotFound
		},
		CreateSandbox: func(context.Context, string, string) (Resource, error) {
			return created, nil
		},
	}
	r := NewResourceResolver(store, pool, nil)

	info, err := r.Resolve(t.Context(), "acct-3", "proj-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ResourceID != "res-3" {
		t.Errorf("expected res-3, got %s", info.ResourceID)
	}
}

func TestResourceResolverCachesAcrossCalls(t *testing.T) {
	store := newFakeResourceStore()
	calls := 0
	pool := SandboxPool{
		ClaimSandbox: func(context.Context, string, string) (Resource, error) {
			calls++
			return Resource{ID: "res-4", ProjectID: "proj-4"}, nil
		},
	}
	r := NewResourceResolver(store, pool, nil)

	if _, err := r.Resolve(t.Context(), "acct-4", "proj-4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Resolve(t.Context(), "acct-4", "proj-4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected pool claimed once (second call served from cache), got %d calls", calls)
	}

	r.Invalidate("proj-4")
	if _, err := r.Resolve(t.Context(), "acct-4", "proj-4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a fresh claim after Invalidate, got %d calls", calls)
	}
}
