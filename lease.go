package corerun

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/corerun/corerun/kv"
)

// LeaseConfig parameterises the ownership & lease manager.
type LeaseConfig struct {
	// LeaseTTL is the time-to-live on the owner key; a run with no
	// heartbeat for this long loses its owner key and is eligible for
	// orphan recovery (as is one whose heartbeat is older than
	// OrphanThreshold, even while the owner key survives).
	LeaseTTL time.Duration
	// HeartbeatInterval is how often a worker should call Heartbeat.
	// Defaults to LeaseTTL/3 if zero.
	HeartbeatInterval time.Duration
	// OrphanThreshold is the heartbeat age beyond which a run counts as
	// orphaned even if its owner key has not yet expired (clock skew,
	// slow expiry propagation). Defaults to 2*LeaseTTL if zero.
	OrphanThreshold time.Duration
}

func (c LeaseConfig) withDefaults() LeaseConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 2 * c.LeaseTTL
	}
	return c
}

const activeRunsKey = "runs:active"

func ownerKey(runID string) string     { return "run:" + runID + ":owner" }
func heartbeatKey(runID string) string { return "run:" + runID + ":heartbeat" }
func statusKey(runID string) string    { return "run:" + runID + ":status" }

// RunInfo summarizes a run's lease state for dashboards and the recovery
// sweeper.
type RunInfo struct {
	RunID         string
	Owner         string
	Status        string
	Heartbeat     int64
	HeartbeatAge  time.Duration
	Start         int64
	Duration      time.Duration
}

// LeaseManager is C3: a TTL-based ownership lease over the KV store. It
// gives mutual exclusion over a run's execution across worker processes
// without a consensus service, recovering automatically from crashes once
// the lease's TTL or the orphan threshold elapses.
type LeaseManager struct {
	kv       kv.Store
	cfg      LeaseConfig
	workerID string
}

// NewLeaseManager builds a LeaseManager. workerID identifies this process
// as the value written into owner keys it successfully claims.
func NewLeaseManager(store kv.Store, workerID string, cfg LeaseConfig) *LeaseManager {
	return &LeaseManager{kv: store, cfg: cfg.withDefaults(), workerID: workerID}
}

// Claim atomically sets run:{id}:owner to this manager's worker id, only if
// absent, with TTL = LeaseTTL, and adds run_id to runs:active. Returns true
// iff the caller is now the owner.
func (m *LeaseManager) Claim(ctx context.Context, runID string) (bool, error) {
	ok, err := m.kv.SetNX(ctx, ownerKey(runID), m.workerID, m.cfg.LeaseTTL)
	if err != nil {
		return false, Classify(fmt.Errorf("lease: claim %s: %w", runID, err), KindTransient)
	}
	if !ok {
		return false, nil
	}
	if err := m.kv.SAdd(ctx, activeRunsKey, runID); err != nil {
		return false, Classify(fmt.Errorf("lease: claim %s: register active: %w", runID, err), KindTransient)
	}
	now := NowUnix()
	if err := m.kv.Set(ctx, heartbeatKey(runID), itoa(now), m.cfg.OrphanThreshold); err != nil {
		return false, Classify(fmt.Errorf("lease: claim %s: initial heartbeat: %w", runID, err), KindTransient)
	}
	return true, nil
}

// Heartbeat refreshes the owner TTL and heartbeat timestamp. It fails with
// ErrNotOwner if the caller no longer holds the lease (owner key expired or
// was claimed by another worker).
func (m *LeaseManager) Heartbeat(ctx context.Context, runID string) error {
	owner, err := m.kv.Get(ctx, ownerKey(runID))
	if err != nil {
		return ErrNotOwner
	}
	if owner != m.workerID {
		return ErrNotOwner
	}
	if err := m.kv.Expire(ctx, ownerKey(runID), m.cfg.LeaseTTL); err != nil {
		return Classify(fmt.Errorf("lease: heartbeat %s: refresh owner: %w", runID, err), KindTransient)
	}
	now := NowUnix()
	if err := m.kv.Set(ctx, heartbeatKey(runID), itoa(now), m.cfg.OrphanThreshold); err != nil {
		return Classify(fmt.Errorf("lease: heartbeat %s: %w", runID, err), KindTransient)
	}
	return nil
}

// Release deletes the owner key, removes run_id from runs:active, and
// records a terminal status (bounded-TTL) for late readers.
func (m *LeaseManager) Release(ctx context.Context, runID, reason string) error {
	if err := m.kv.Delete(ctx, ownerKey(runID)); err != nil {
		return Classify(fmt.Errorf("lease: release %s: %w", runID, err), KindTransient)
	}
	if err := m.kv.SRem(ctx, activeRunsKey, runID); err != nil {
		return Classify(fmt.Errorf("lease: release %s: deregister: %w", runID, err), KindTransient)
	}
	if err := m.kv.Set(ctx, statusKey(runID), reason, 24*time.Hour); err != nil {
		return Classify(fmt.Errorf("lease: release %s: record status: %w", runID, err), KindTransient)
	}
	return nil
}

// FindOrphans returns members of runs:active whose owner key is missing or
// whose heartbeat age exceeds OrphanThreshold.
func (m *LeaseManager) FindOrphans(ctx context.Context) ([]string, error) {
	return m.findOrphans(ctx, 0, 1)
}

// FindOrphansSharded is FindOrphans filtered to runs where
// hash(run_id) mod total == shard, letting multiple sweeper instances split
// the scan without coordinating directly.
func (m *LeaseManager) FindOrphansSharded(ctx context.Context, shard, total int) ([]string, error) {
	return m.findOrphans(ctx, shard, total)
}

func (m *LeaseManager) findOrphans(ctx context.Context, shard, total int) ([]string, error) {
	active, err := m.kv.SMembers(ctx, activeRunsKey)
	if err != nil {
		return nil, Classify(fmt.Errorf("lease: find orphans: %w", err), KindTransient)
	}

	var orphans []string
	for _, runID := range active {
		if total > 1 && shardOf(runID, total) != shard {
			continue
		}

		_, err := m.kv.Get(ctx, ownerKey(runID))
		if err == kv.ErrNotFound {
			orphans = append(orphans, runID)
			continue
		}
		if err != nil {
			return nil, Classify(fmt.Errorf("lease: find orphans: get owner %s: %w", runID, err), KindTransient)
		}

		hbRaw, err := m.kv.Get(ctx, heartbeatKey(runID))
		if err == kv.ErrNotFound {
			orphans = append(orphans, runID)
			continue
		}
		if err != nil {
			return nil, Classify(fmt.Errorf("lease: find orphans: get heartbeat %s: %w", runID, err), KindTransient)
		}
		hb := atoiOr(hbRaw, 0)
		age := time.Duration(NowUnix()-hb) * time.Second
		if age > m.cfg.OrphanThreshold {
			orphans = append(orphans, runID)
		}
	}
	return orphans, nil
}

// ActiveRuns returns the current members of runs:active, i.e. every run with
// an owner that has not yet been released.
func (m *LeaseManager) ActiveRuns(ctx context.Context) ([]string, error) {
	active, err := m.kv.SMembers(ctx, activeRunsKey)
	if err != nil {
		return nil, Classify(fmt.Errorf("lease: active runs: %w", err), KindTransient)
	}
	return active, nil
}

// GetInfo returns lease state for one run, suitable for dashboards.
func (m *LeaseManager) GetInfo(ctx context.Context, runID string) (RunInfo, error) {
	infos, err := m.GetInfoBatch(ctx, []string{runID})
	if err != nil {
		return RunInfo{}, err
	}
	if len(infos) == 0 {
		return RunInfo{}, ErrNotOwner
	}
	return infos[0], nil
}

// GetInfoBatch is GetInfo for many runs in one call, avoiding a round trip
// per dashboard row.
func (m *LeaseManager) GetInfoBatch(ctx context.Context, runIDs []string) ([]RunInfo, error) {
	out := make([]RunInfo, 0, len(runIDs))
	now := NowUnix()
	for _, runID := range runIDs {
		owner, err := m.kv.Get(ctx, ownerKey(runID))
		if err != nil && err != kv.ErrNotFound {
			return nil, Classify(fmt.Errorf("lease: get info %s: %w", runID, err), KindTransient)
		}

		var hb int64
		if hbRaw, err := m.kv.Get(ctx, heartbeatKey(runID)); err == nil {
			hb = atoiOr(hbRaw, 0)
		}

		status, _ := m.kv.Get(ctx, statusKey(runID))

		out = append(out, RunInfo{
			RunID:        runID,
			Owner:        owner,
			Status:       status,
			Heartbeat:    hb,
			HeartbeatAge: time.Duration(now-hb) * time.Second,
		})
	}
	return out, nil
}

// HeartbeatLoop runs Heartbeat on runID every HeartbeatInterval until ctx is
// canceled or a heartbeat fails (lease lost), at which point it sends the
// error on the returned channel and exits.
func (m *LeaseManager) HeartbeatLoop(ctx context.Context, runID string) <-chan error {
	lost := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx, runID); err != nil {
					lost <- err
					return
				}
			}
		}
	}()
	return lost
}

func shardOf(runID string, total int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return int(h.Sum32() % uint32(total))
}

func itoa(n int64) string {
	return fmt.Sprintf("%d", n)
}

func atoiOr(s string, fallback int64) int64 {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}
