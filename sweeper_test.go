package corerun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corerun/corerun/kv/memory"
	"github.com/corerun/corerun/relstore"
)

type fakeSweeperStore struct {
	relstore.Store

	mu   sync.Mutex
	runs map[string]Run
}

func newFakeSweeperStore() *fakeSweeperStore {
	return &fakeSweeperStore{runs: make(map[string]Run)}
}

func (f *fakeSweeperStore) CreateRun(_ context.Context, run Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeSweeperStore) GetRun(_ context.Context, id string) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return Run{}, relstore.ErrNotFound
	}
	return run, nil
}

func (f *fakeSweeperStore) UpdateRunStatus(_ context.Context, id string, expect, next RunStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return relstore.ErrNotFound
	}
	if run.Status != expect {
		return relstore.ErrConflict
	}
	run.Status = next
	run.TerminationReason = reason
	f.runs[id] = run
	return nil
}

func (f *fakeSweeperStore) statusOf(id string) RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id].Status
}

func TestSweeperRecoversOrphan(t *testing.T) {
	ctx := t.Context()
	kvStore := memory.New()
	lease := NewLeaseManager(kvStore, "worker-a", LeaseConfig{LeaseTTL: time.Hour})
	store := newFakeSweeperStore()

	_ = store.CreateRun(ctx, Run{ID: "run-1", Status: RunRunning, StartTime: NowUnix()})

	ok, err := lease.Claim(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("initial claim: ok=%v err=%v", ok, err)
	}
	// Simulate the owning worker crashing: its owner key and heartbeat vanish,
	// but the run stays listed in runs:active.
	_ = kvStore.Delete(ctx, ownerKey("run-1"))
	_ = kvStore.Delete(ctx, heartbeatKey("run-1"))

	sweeper := NewSweeper(lease, store, nil, SweeperConfig{}, nil)
	var recovered []string
	sweeper.OnRecover(func(_ context.Context, runID string) {
		recovered = append(recovered, runID)
	})

	results := sweeper.RunOnce(ctx)

	if len(recovered) != 1 || recovered[0] != "run-1" {
		t.Fatalf("recovered = %v, want [run-1]", recovered)
	}
	if sweeper.RunsRecovered() != 1 {
		t.Errorf("RunsRecovered() = %d, want 1", sweeper.RunsRecovered())
	}
	found := false
	for _, r := range results {
		if r.RunID == "run-1" && r.Action == "recover" && r.Err == "" {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want a successful recover entry for run-1", results)
	}
}

func TestSweeperForceCompletesStuckRun(t *testing.T) {
	ctx := t.Context()
	kvStore := memory.New()
	lease := NewLeaseManager(kvStore, "worker-a", LeaseConfig{LeaseTTL: time.Hour})
	store := newFakeSweeperStore()

	_ = store.CreateRun(ctx, Run{ID: "run-stuck", Status: RunRunning, StartTime: NowUnix() - int64(2*time.Hour/time.Second)})
	if ok, err := lease.Claim(ctx, "run-stuck"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// Keep the heartbeat fresh so this run is NOT an orphan, only stuck.
	if err := lease.Heartbeat(ctx, "run-stuck"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	sweeper := NewSweeper(lease, store, nil, SweeperConfig{MaxDuration: time.Minute}, nil)
	results := sweeper.RunOnce(ctx)

	if got := store.statusOf("run-stuck"); got != RunCompleted {
		t.Errorf("status after sweep = %q, want %q", got, RunCompleted)
	}
	found := false
	for _, r := range results {
		if r.RunID == "run-stuck" && r.Action == "force_complete" && r.Err == "" {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want a successful force_complete entry for run-stuck", results)
	}
}

func TestSweeperShardingSplitsOrphans(t *testing.T) {
	ctx := t.Context()
	kvStore := memory.New()
	lease := NewLeaseManager(kvStore, "worker-a", LeaseConfig{LeaseTTL: time.Hour})
	store := newFakeSweeperStore()

	runIDs := []string{"run-a", "run-b", "run-c", "run-d"}
	for _, id := range runIDs {
		_ = store.CreateRun(ctx, Run{ID: id, Status: RunRunning, StartTime: NowUnix()})
		if ok, err := lease.Claim(ctx, id); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
		_ = kvStore.Delete(ctx, ownerKey(id))
		_ = kvStore.Delete(ctx, heartbeatKey(id))
	}

	const shardTotal = 2
	seen := make(map[string]bool)
	for shard := 0; shard < shardTotal; shard++ {
		sweeper := NewSweeper(lease, store, nil, SweeperConfig{Shard: shard, ShardTotal: shardTotal}, nil)
		sweeper.OnRecover(func(_ context.Context, runID string) {
			if seen[runID] {
				t.Errorf("run %s recovered by more than one shard", runID)
			}
			seen[runID] = true
		})
		sweeper.RunOnce(ctx)
	}

	if len(seen) != len(runIDs) {
		t.Fatalf("recovered %d runs across shards, want %d: %v", len(seen), len(runIDs), seen)
	}
}

func TestSweeperForceResumeReleasesAndEnqueues(t *testing.T) {
	ctx := t.Context()
	kvStore := memory.New()
	lease := NewLeaseManager(kvStore, "worker-a", LeaseConfig{LeaseTTL: time.Hour})
	store := newFakeSweeperStore()

	_ = store.CreateRun(ctx, Run{ID: "run-1", Status: RunRunning, StartTime: NowUnix()})
	if ok, err := lease.Claim(ctx, "run-1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	sweeper := NewSweeper(lease, store, nil, SweeperConfig{}, nil)
	var enqueued string
	err := sweeper.ForceResume(ctx, "run-1", func(_ context.Context, runID string) error {
		enqueued = runID
		return nil
	})
	if err != nil {
		t.Fatalf("ForceResume: %v", err)
	}
	if enqueued != "run-1" {
		t.Errorf("enqueued = %q, want run-1", enqueued)
	}
	if got := store.statusOf("run-1"); got != RunStopped {
		t.Errorf("status = %q, want %q", got, RunStopped)
	}
	if _, err := lease.GetInfo(ctx, "run-1"); err != nil {
		t.Fatalf("GetInfo after release: %v", err)
	}
}
