package corerun

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/corerun/corerun/relstore"
)

type fakeCacheStore struct {
	relstore.Store

	mu      sync.Mutex
	threads map[string]Thread
}

func newFakeCacheStore(th Thread) *fakeCacheStore {
	return &fakeCacheStore{threads: map[string]Thread{th.ID: th}}
}

func (f *fakeCacheStore) GetThread(_ context.Context, id string) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return Thread{}, relstore.ErrNotFound
	}
	return th, nil
}

func (f *fakeCacheStore) SetThreadCacheState(_ context.Context, id, hash string, rebuild bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th := f.threads[id]
	th.CacheHash = hash
	th.CacheRebuild = rebuild
	f.threads[id] = th
	return nil
}

func longMsg(role string) ChatMessage {
	return ChatMessage{Role: role, Content: strings.Repeat("x", 2000)}
}

func TestPromptCachePlanMarksStablePrefixUpToMax(t *testing.T) {
	store := newFakeCacheStore(Thread{ID: "t1", CacheRebuild: true})
	strat := NewPromptCacheStrategist(store)

	msgs := []ChatMessage{longMsg("system"), longMsg("user"), longMsg("assistant"), longMsg("user"), longMsg("assistant"), longMsg("user")}
	planned, err := strat.Plan(t.Context(), "t1", "claude-sonnet", msgs)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	marked := 0
	for _, m := range planned {
		if m.CacheControl != nil {
			marked++
		}
	}
	if marked != 4 {
		t.Errorf("marked = %d, want 4 (Anthropic max)", marked)
	}
}

func TestPromptCachePlanSkipsVolatileToolMessages(t *testing.T) {
	store := newFakeCacheStore(Thread{ID: "t1", CacheRebuild: true})
	strat := NewPromptCacheStrategist(store)

	msgs := []ChatMessage{longMsg("tool"), longMsg("user")}
	planned, err := strat.Plan(t.Context(), "t1", "claude-sonnet", msgs)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if planned[0].CacheControl != nil {
		t.Error("tool message should never be marked cacheable")
	}
	if planned[1].CacheControl == nil {
		t.Error("user message should be marked cacheable")
	}
}

func TestPromptCachePlanNoopForUnknownModel(t *testing.T) {
	store := newFakeCacheStore(Thread{ID: "t1", CacheRebuild: true})
	strat := NewPromptCacheStrategist(store)

	msgs := []ChatMessage{longMsg("system"), longMsg("user")}
	planned, err := strat.Plan(t.Context(), "t1", "gpt-5", msgs)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, m := range planned {
		if m.CacheControl != nil {
			t.Error("non-Anthropic model should never receive cache-control markers")
		}
	}
}

func TestPromptCacheMarkRebuildForcesRecompute(t *testing.T) {
	store := newFakeCacheStore(Thread{ID: "t1", CacheHash: "stale", CacheRebuild: false})
	strat := NewPromptCacheStrategist(store)

	if err := strat.MarkRebuild(t.Context(), "t1"); err != nil {
		t.Fatalf("MarkRebuild: %v", err)
	}
	th, _ := store.GetThread(t.Context(), "t1")
	if !th.CacheRebuild {
		t.Error("MarkRebuild should set CacheRebuild = true")
	}
	if th.CacheHash != "" {
		t.Error("MarkRebuild should clear the stale hash")
	}
}

func TestValidateRejectsExcessBlocks(t *testing.T) {
	msgs := []ChatMessage{longMsg("system"), longMsg("user"), longMsg("assistant"), longMsg("user"), longMsg("assistant")}
	for i := range msgs {
		msgs[i].CacheControl = &CacheControl{Type: "ephemeral"}
	}
	if err := Validate(msgs, anthropicCacheProfile); err == nil {
		t.Error("expected Validate to reject 5 marked blocks against a max of 4")
	}
}

func TestValidateRejectsVolatileMarker(t *testing.T) {
	msgs := []ChatMessage{{Role: "tool", Content: strings.Repeat("x", 2000), CacheControl: &CacheControl{Type: "ephemeral"}}}
	if err := Validate(msgs, anthropicCacheProfile); err == nil {
		t.Error("expected Validate to reject a cache marker on a tool message")
	}
}

func TestValidateRejectsTooSmallBlock(t *testing.T) {
	msgs := []ChatMessage{{Role: "user", Content: "short", CacheControl: &CacheControl{Type: "ephemeral"}}}
	if err := Validate(msgs, anthropicCacheProfile); err == nil {
		t.Error("expected Validate to reject a cache marker on a too-small block")
	}
}
