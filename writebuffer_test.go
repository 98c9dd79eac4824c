package corerun

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingFlusher struct {
	mu      sync.Mutex
	flushed map[string][]PendingWrite
	fail    map[string]bool
}

func newRecordingFlusher() *recordingFlusher {
	return &recordingFlusher{flushed: make(map[string][]PendingWrite), fail: make(map[string]bool)}
}

func (f *recordingFlusher) Flush(_ context.Context, runID string, writes []PendingWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[runID] {
		return errBoom
	}
	f.flushed[runID] = append(f.flushed[runID], writes...)
	return nil
}

func (f *recordingFlusher) countFor(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushed[runID])
}

var errBoom = &ClassifiedError{Kind: KindTransient, Err: errTest}
var errTest = simpleErr("boom")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func TestAppendAndFlushOnePreservesFIFO(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{}, nil)
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		b.Append("run-1", "thread-1", "acct-1", PendingWrite{Kind: WriteMessage, RunID: "run-1"})
	}
	if err := b.FlushOne(ctx, "run-1"); err != nil {
		t.Fatalf("FlushOne: %v", err)
	}
	if got := f.countFor("run-1"); got != 5 {
		t.Fatalf("flushed %d writes, want 5", got)
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	f := newRecordingFlusher()
	f.fail["run-1"] = true
	b := NewWriteBuffer(f, BufferConfig{}, nil)
	ctx := t.Context()

	b.Append("run-1", "thread-1", "acct-1", PendingWrite{Kind: WriteMessage, RunID: "run-1"})
	if err := b.FlushOne(ctx, "run-1"); err == nil {
		t.Fatal("expected flush error")
	}

	b.mu.Lock()
	pending := b.runs["run-1"].pendingCount()
	b.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending count after failed flush = %d, want 1 (requeued)", pending)
	}
}

func TestFlushAllAggregatesAcrossRuns(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{}, nil)
	ctx := t.Context()

	b.Append("run-1", "t1", "a1", PendingWrite{Kind: WriteMessage, RunID: "run-1"})
	b.Append("run-2", "t2", "a1", PendingWrite{Kind: WriteMessage, RunID: "run-2"})
	b.Append("run-2", "t2", "a1", PendingWrite{Kind: WriteMessage, RunID: "run-2"})

	b.FlushAll(ctx)

	if got := f.countFor("run-1"); got != 1 {
		t.Errorf("run-1 flushed %d, want 1", got)
	}
	if got := f.countFor("run-2"); got != 2 {
		t.Errorf("run-2 flushed %d, want 2", got)
	}
}

func TestRegisterEvictsOldestWhenFull(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{MaxBufferedRuns: 2}, nil)
	ctx := t.Context()

	old := newRunState("run-old", "t", "a")
	old.StartTime = time.Now().Add(-time.Hour)
	b.Register(ctx, old)
	b.Register(ctx, newRunState("run-mid", "t", "a"))

	if b.Len() != 2 {
		t.Fatalf("Len before overflow = %d, want 2", b.Len())
	}

	b.Register(ctx, newRunState("run-new", "t", "a"))

	if b.Len() != 2 {
		t.Fatalf("Len after overflow register = %d, want 2 (oldest evicted)", b.Len())
	}
	b.mu.Lock()
	_, stillThere := b.runs["run-old"]
	b.mu.Unlock()
	if stillThere {
		t.Error("run-old should have been evicted")
	}
}

func TestCleanupStaleRunsRemovesOldTerminal(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{StaleThreshold: time.Millisecond, TerminalIdleTimeout: time.Millisecond}, nil)
	ctx := t.Context()

	rs := newRunState("run-1", "t", "a")
	rs.IsActive = false
	rs.StartTime = time.Now().Add(-time.Hour)
	rs.LastActivity = time.Now().Add(-time.Hour)
	b.Register(ctx, rs)

	n := b.CleanupStaleRuns(ctx)
	if n != 1 {
		t.Fatalf("CleanupStaleRuns removed %d, want 1", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len after cleanup = %d, want 0", b.Len())
	}
}

func TestMemoryPressureEvictPrefersTerminalFirst(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{PressureThreshold: 1}, nil)
	ctx := t.Context()

	active := newRunState("run-active", "t", "a")
	terminal := newRunState("run-terminal", "t", "a")
	terminal.IsActive = false
	b.Register(ctx, active)
	b.Register(ctx, terminal)

	evicted := b.MemoryPressureEvict(ctx)
	if evicted != 1 {
		t.Fatalf("MemoryPressureEvict evicted %d, want 1", evicted)
	}
	b.mu.Lock()
	_, activeStillThere := b.runs["run-active"]
	_, terminalStillThere := b.runs["run-terminal"]
	b.mu.Unlock()
	if !activeStillThere || terminalStillThere {
		t.Error("expected terminal run evicted before active run")
	}
}

func TestFinalizeFlushesThenUnregisters(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{}, nil)
	ctx := t.Context()

	b.Append("run-1", "t", "a", PendingWrite{Kind: WriteMessage, RunID: "run-1"})

	statusCalled := false
	err := b.Finalize(ctx, "run-1", func(context.Context) error {
		statusCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !statusCalled {
		t.Error("Finalize did not call updateStatus")
	}
	if f.countFor("run-1") != 1 {
		t.Error("Finalize did not flush pending writes")
	}
	if b.Len() != 0 {
		t.Error("Finalize did not unregister the run")
	}
}

func TestStartStopDrainsPendingWrites(t *testing.T) {
	f := newRecordingFlusher()
	b := NewWriteBuffer(f, BufferConfig{FlushInterval: time.Hour, CleanupInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	b.Start(ctx)
	b.Append("run-1", "t", "a", PendingWrite{Kind: WriteMessage, RunID: "run-1"})
	b.Stop(context.Background())

	if f.countFor("run-1") != 1 {
		t.Errorf("Stop did not flush pending writes, got %d", f.countFor("run-1"))
	}
}
