package corerun

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/corerun/corerun/relstore"
)

// SweeperConfig parameterises the recovery sweeper (C6).
type SweeperConfig struct {
	Interval    time.Duration // default 10s
	MaxDuration time.Duration // stuck-run threshold; default 1h
	Shard       int           // this instance's shard id
	ShardTotal  int           // total shards; 1 means unsharded
}

// ShardFromEnv reads CORERUN_SHARD_ID / CORERUN_SHARD_TOTAL, defaulting to
// the unsharded case (shard 0 of 1) when either is unset or unparsable.
func ShardFromEnv() (shard, total int) {
	shard = envInt("CORERUN_SHARD_ID", 0)
	total = envInt("CORERUN_SHARD_TOTAL", 1)
	if total < 1 {
		total = 1
	}
	return shard, total
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	if c.ShardTotal <= 0 {
		c.ShardTotal = 1
	}
	return c
}

// RecoveryResult reports the outcome of one administrative action taken by
// the sweeper or an operator.
type RecoveryResult struct {
	RunID  string
	Action string
	Err    string
}

// RecoveryCallback is invoked once per recovered run, letting the
// orchestrator re-enqueue or otherwise react to a run reclaimed from a
// crashed worker.
type RecoveryCallback func(ctx context.Context, runID string)

// Sweeper is C6: a periodic pass that reclaims runs orphaned by a crashed
// worker and force-completes runs that have run far longer than any legal
// turn should.
type Sweeper struct {
	lease *LeaseManager
	store relstore.Store
	wb    *WriteBuffer
	cfg   SweeperConfig
	log   *slog.Logger

	mu        sync.Mutex
	callbacks []RecoveryCallback

	runsRecovered int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper builds a Sweeper. Pass ShardFromEnv() results (or a fixed
// shard/total) via cfg.Shard/cfg.ShardTotal.
func NewSweeper(lease *LeaseManager, store relstore.Store, wb *WriteBuffer, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		lease:  lease,
		store:  store,
		wb:     wb,
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OnRecover registers a callback fired whenever RunOnce reclaims an orphan.
func (s *Sweeper) OnRecover(cb RecoveryCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// RunOnce performs one sweep: find_orphans (sharded) -> claim -> recover,
// then find_stuck -> force_complete.
func (s *Sweeper) RunOnce(ctx context.Context) []RecoveryResult {
	var results []RecoveryResult

	orphans, err := s.lease.FindOrphansSharded(ctx, s.cfg.Shard, s.cfg.ShardTotal)
	if err != nil {
		s.log.Warn("sweeper: find orphans failed", "error", err)
	}
	for _, runID := range orphans {
		ok, err := s.lease.Claim(ctx, runID)
		if err != nil {
			results = append(results, RecoveryResult{RunID: runID, Action: "claim", Err: err.Error()})
			continue
		}
		if !ok {
			// Another sweeper instance (or the original worker, having
			// recovered) claimed it first.
			continue
		}
		s.recover(ctx, runID)
		results = append(results, RecoveryResult{RunID: runID, Action: "recover"})
	}

	stuck, err := s.findStuck(ctx)
	if err != nil {
		s.log.Warn("sweeper: find stuck failed", "error", err)
	}
	for _, runID := range stuck {
		if err := s.ForceComplete(ctx, runID, "max_duration"); err != nil {
			results = append(results, RecoveryResult{RunID: runID, Action: "force_complete", Err: err.Error()})
		} else {
			results = append(results, RecoveryResult{RunID: runID, Action: "force_complete"})
		}
	}

	return results
}

func (s *Sweeper) recover(ctx context.Context, runID string) {
	s.mu.Lock()
	s.runsRecovered++
	cbs := append([]RecoveryCallback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(ctx, runID)
	}
}

// RunsRecovered returns the lifetime count of orphans successfully
// reclaimed by this sweeper instance.
func (s *Sweeper) RunsRecovered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runsRecovered
}

// findStuck walks runs:active and selects those whose total duration (per
// the relational run record, the authoritative source for start_time)
// exceeds MaxDuration.
func (s *Sweeper) findStuck(ctx context.Context) ([]string, error) {
	active, err := s.lease.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	now := NowUnix()
	var stuck []string
	for _, runID := range active {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			continue
		}
		if run.Status.Terminal() || run.StartTime == 0 {
			continue
		}
		if time.Duration(now-run.StartTime)*time.Second > s.cfg.MaxDuration {
			stuck = append(stuck, runID)
		}
	}
	return stuck, nil
}

// ForceResume deletes the owner key, marks the run stopped, and enqueues a
// fresh continuation run. enqueueContinuation is supplied by the caller
// (the orchestrator owns run creation) since the sweeper itself has no
// opinion on how a new run is scheduled.
func (s *Sweeper) ForceResume(ctx context.Context, runID string, enqueueContinuation func(ctx context.Context, runID string) error) error {
	if err := s.lease.Release(ctx, runID, string(RunStopped)); err != nil {
		return err
	}
	if err := s.store.UpdateRunStatus(ctx, runID, RunRunning, RunStopped, "force_resume"); err != nil && err != relstore.ErrConflict {
		return err
	}
	if enqueueContinuation != nil {
		return enqueueContinuation(ctx, runID)
	}
	return nil
}

// ForceComplete flushes pending writes, marks the run completed, and
// releases its lease.
func (s *Sweeper) ForceComplete(ctx context.Context, runID string, reason string) error {
	if s.wb != nil {
		_ = s.wb.FlushUntilEmpty(ctx, runID)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		if err := s.store.UpdateRunStatus(ctx, runID, run.Status, RunCompleted, reason); err != nil && err != relstore.ErrConflict {
			return err
		}
	}
	return s.lease.Release(ctx, runID, string(RunCompleted))
}

// ForceFail flushes, pushes a terminal error status into the run's stream,
// marks the run failed, and releases its lease. pushErrorChunk is supplied
// by the caller since stream writes go through the write buffer's owning
// orchestrator, not the sweeper.
func (s *Sweeper) ForceFail(ctx context.Context, runID, reason string, pushErrorChunk func(ctx context.Context, runID, reason string) error) error {
	if s.wb != nil {
		_ = s.wb.FlushUntilEmpty(ctx, runID)
	}
	if pushErrorChunk != nil {
		_ = pushErrorChunk(ctx, runID, reason)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		if err := s.store.UpdateRunStatus(ctx, runID, run.Status, RunFailed, reason); err != nil && err != relstore.ErrConflict {
			return err
		}
	}
	return s.lease.Release(ctx, runID, string(RunFailed))
}

// RecoverOnStartup runs the sweeper once before the worker accepts new
// traffic, reclaiming runs abandoned by a prior instance of this process.
func (s *Sweeper) RecoverOnStartup(ctx context.Context) []RecoveryResult {
	return s.RunOnce(ctx)
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				results := s.RunOnce(ctx)
				for _, r := range results {
					if r.Err != "" {
						s.log.Warn("sweeper: action failed", "run_id", r.RunID, "action", r.Action, "error", r.Err)
					}
				}
			}
		}
	}()
}

// Stop halts the periodic sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
