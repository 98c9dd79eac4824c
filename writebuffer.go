package corerun

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// BufferConfig parameterises the write buffer & flusher (C4).
type BufferConfig struct {
	MaxBufferedRuns     int           // evict the oldest run once exceeded
	PressureThreshold   int           // above this, evict more aggressively
	FlushInterval       time.Duration // background flush_all cadence
	CleanupInterval     time.Duration // background cleanup_stale_runs cadence
	FlushConcurrency    int64         // semaphore width for flush_all
	StaleThreshold      time.Duration // terminal + older than this + idle > 120s => cleaned up
	MaxRunAge           time.Duration // any run older than this is cleaned up regardless of state
	TerminalIdleTimeout time.Duration // terminal + idle longer than this => cleaned up
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MaxBufferedRuns <= 0 {
		c.MaxBufferedRuns = 10_000
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = c.MaxBufferedRuns * 9 / 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = 50
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 600 * time.Second
	}
	if c.MaxRunAge <= 0 {
		c.MaxRunAge = 1800 * time.Second
	}
	if c.TerminalIdleTimeout <= 0 {
		c.TerminalIdleTimeout = 300 * time.Second
	}
	return c
}

// RunState is the in-process record the write buffer holds per run: an
// ordered queue of PendingWrites plus bookkeeping used by eviction and
// cleanup. Writes are applied in FIFO order — this matters for tool-result
// pairing, which depends on a call being persisted before its result.
type RunState struct {
	RunID             string
	ThreadID          string
	AccountID         string
	StartTime         time.Time
	LastActivity      time.Time
	IsActive          bool
	TerminationReason string

	mu    sync.Mutex
	queue []PendingWrite
}

func newRunState(runID, threadID, accountID string) *RunState {
	now := time.Now()
	return &RunState{
		RunID:        runID,
		ThreadID:     threadID,
		AccountID:    accountID,
		StartTime:    now,
		LastActivity: now,
		IsActive:     true,
	}
}

func (rs *RunState) append(w PendingWrite) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.queue = append(rs.queue, w)
	rs.LastActivity = time.Now()
}

func (rs *RunState) drain() []PendingWrite {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.queue
	rs.queue = nil
	return out
}

func (rs *RunState) pendingCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.queue)
}

// Flusher applies a batch of PendingWrites for one run to durable storage.
// The transactional writer (writer.go) is the production implementation.
type Flusher interface {
	Flush(ctx context.Context, runID string, writes []PendingWrite) error
}

// WriteBuffer is C4: an in-process {run_id -> RunState} map that absorbs
// bursts of writes from the orchestrator and flushes them to the relational
// store on a bounded schedule, so a slow or momentarily unavailable
// database never blocks the LLM streaming path.
type WriteBuffer struct {
	cfg     BufferConfig
	flusher Flusher
	log     *slog.Logger

	mu    sync.Mutex
	runs  map[string]*RunState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWriteBuffer constructs a WriteBuffer. Call Start to begin the
// background flush/cleanup loop.
func NewWriteBuffer(flusher Flusher, cfg BufferConfig, log *slog.Logger) *WriteBuffer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WriteBuffer{
		cfg:     cfg.withDefaults(),
		flusher: flusher,
		log:     log,
		runs:    make(map[string]*RunState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Register adds a RunState to the buffer, evicting the oldest run first if
// MaxBufferedRuns would otherwise be exceeded.
func (b *WriteBuffer) Register(ctx context.Context, state *RunState) {
	b.mu.Lock()
	if len(b.runs) >= b.cfg.MaxBufferedRuns {
		oldest := b.oldestRunLocked()
		b.mu.Unlock()
		if oldest != "" {
			b.evict(ctx, oldest)
		}
		b.mu.Lock()
	}
	b.runs[state.RunID] = state
	b.mu.Unlock()
}

func (b *WriteBuffer) oldestRunLocked() string {
	var oldestID string
	var oldestTime time.Time
	for id, rs := range b.runs {
		if oldestID == "" || rs.StartTime.Before(oldestTime) {
			oldestID, oldestTime = id, rs.StartTime
		}
	}
	return oldestID
}

func (b *WriteBuffer) evict(ctx context.Context, runID string) {
	b.FlushUntilEmpty(ctx, runID)
	b.Unregister(runID)
}

// Unregister removes a run from the buffer without flushing it. Callers
// that need the queue persisted first should call FlushUntilEmpty.
func (b *WriteBuffer) Unregister(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// Append queues a write for runID, creating its RunState if absent so a
// late-arriving write from a run the buffer hasn't seen yet (e.g. after a
// process restart and recovery) is not silently dropped.
func (b *WriteBuffer) Append(runID string, threadID, accountID string, w PendingWrite) {
	b.mu.Lock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = newRunState(runID, threadID, accountID)
		b.runs[runID] = rs
	}
	b.mu.Unlock()
	rs.append(w)
}

// runHeap is a max-heap by pending_write_count, used by flush_all to flush
// the busiest runs first under the concurrency semaphore.
type runHeap []*RunState

func (h runHeap) Len() int            { return len(h) }
func (h runHeap) Less(i, j int) bool  { return h[i].pendingCount() > h[j].pendingCount() }
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)         { *h = append(*h, x.(*RunState)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FlushAll flushes every run with pending writes, busiest first, under a
// bounded concurrency semaphore. A flush failure for one run is logged and
// does not stop the others.
func (b *WriteBuffer) FlushAll(ctx context.Context) {
	b.mu.Lock()
	h := make(runHeap, 0, len(b.runs))
	for _, rs := range b.runs {
		if rs.pendingCount() > 0 {
			h = append(h, rs)
		}
	}
	b.mu.Unlock()
	heap.Init(&h)

	sem := semaphore.NewWeighted(b.cfg.FlushConcurrency)
	var wg sync.WaitGroup
	for h.Len() > 0 {
		rs := heap.Pop(&h).(*RunState)
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(rs *RunState) {
			defer wg.Done()
			defer sem.Release(1)
			if err := b.FlushOne(ctx, rs.RunID); err != nil {
				b.log.Warn("write buffer: flush failed", "run_id", rs.RunID, "error", err)
			}
		}(rs)
	}
	wg.Wait()
}

// FlushOne flushes one run's currently queued writes.
func (b *WriteBuffer) FlushOne(ctx context.Context, runID string) error {
	b.mu.Lock()
	rs, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	writes := rs.drain()
	if len(writes) == 0 {
		return nil
	}
	if err := b.flusher.Flush(ctx, runID, writes); err != nil {
		// Writes that failed to flush go back to the front of the queue so
		// the next attempt preserves FIFO order.
		rs.mu.Lock()
		rs.queue = append(writes, rs.queue...)
		rs.mu.Unlock()
		return err
	}
	return nil
}

// FlushUntilEmpty repeatedly flushes a run until its queue is empty or ctx
// is canceled, used for eviction and run finalisation where no further
// writes are expected to arrive concurrently.
func (b *WriteBuffer) FlushUntilEmpty(ctx context.Context, runID string) error {
	for {
		b.mu.Lock()
		rs, ok := b.runs[runID]
		b.mu.Unlock()
		if !ok || rs.pendingCount() == 0 {
			return nil
		}
		if err := b.FlushOne(ctx, runID); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Finalize flushes all pending writes, transitions the run row to a
// terminal status via updateStatus, and unregisters the run.
func (b *WriteBuffer) Finalize(ctx context.Context, runID string, updateStatus func(context.Context) error) error {
	if err := b.FlushUntilEmpty(ctx, runID); err != nil {
		return err
	}
	if updateStatus != nil {
		if err := updateStatus(ctx); err != nil {
			return err
		}
	}
	b.Unregister(runID)
	return nil
}

// CleanupStaleRuns flushes and removes runs matching the retention rule:
// terminal and (age > StaleThreshold and idle > 120s), or age > MaxRunAge,
// or (terminal and idle > TerminalIdleTimeout).
func (b *WriteBuffer) CleanupStaleRuns(ctx context.Context) int {
	now := time.Now()
	var toRemove []string

	b.mu.Lock()
	for id, rs := range b.runs {
		age := now.Sub(rs.StartTime)
		idle := now.Sub(rs.LastActivity)
		terminal := !rs.IsActive

		switch {
		case terminal && age > b.cfg.StaleThreshold && idle > 120*time.Second:
			toRemove = append(toRemove, id)
		case age > b.cfg.MaxRunAge:
			toRemove = append(toRemove, id)
		case terminal && idle > b.cfg.TerminalIdleTimeout:
			toRemove = append(toRemove, id)
		}
	}
	b.mu.Unlock()

	for _, id := range toRemove {
		_ = b.FlushUntilEmpty(ctx, id)
		b.Unregister(id)
	}
	return len(toRemove)
}

// MemoryPressureEvict evicts runs once buffered count exceeds
// PressureThreshold: terminal runs oldest-first, then the most-idle active
// runs, until the count falls back to PressureThreshold.
func (b *WriteBuffer) MemoryPressureEvict(ctx context.Context) int {
	b.mu.Lock()
	if len(b.runs) <= b.cfg.PressureThreshold {
		b.mu.Unlock()
		return 0
	}
	candidates := make([]*RunState, 0, len(b.runs))
	for _, rs := range b.runs {
		candidates = append(candidates, rs)
	}
	excess := len(b.runs) - b.cfg.PressureThreshold
	b.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := !candidates[i].IsActive, !candidates[j].IsActive
		if ti != tj {
			return ti // terminal runs sort first
		}
		if ti {
			return candidates[i].StartTime.Before(candidates[j].StartTime)
		}
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})

	evicted := 0
	for _, rs := range candidates {
		if evicted >= excess {
			break
		}
		b.evict(ctx, rs.RunID)
		evicted++
	}
	return evicted
}

// Len reports the number of runs currently buffered.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

// Start launches the background flush/cleanup loop. Call Stop to drain and
// halt it.
func (b *WriteBuffer) Start(ctx context.Context) {
	go func() {
		defer close(b.doneCh)
		flushTicker := time.NewTicker(b.cfg.FlushInterval)
		cleanupTicker := time.NewTicker(b.cfg.CleanupInterval)
		defer flushTicker.Stop()
		defer cleanupTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-flushTicker.C:
				b.FlushAll(ctx)
				b.MemoryPressureEvict(ctx)
			case <-cleanupTicker.C:
				b.CleanupStaleRuns(ctx)
			}
		}
	}()
}

// Stop signals the background loop to exit, waits for it to finish, and
// then runs a final FlushAll so no buffered write is lost on shutdown.
func (b *WriteBuffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	b.FlushAll(ctx)
}
