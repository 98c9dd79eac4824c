package corerun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corerun/corerun/relstore"
)

// SandboxInfo is the resolved, ready-to-use view of a project's sandbox:
// enough to route tool calls and render a preview link without another
// round trip to the store.
type SandboxInfo struct {
	ResourceID string
	ProjectID  string
	AccountID  string
	PreviewURL string
	Token      string
}

// SandboxPool is C4.10: a warm pool of pre-created sandboxes the resolver
// claims from, and the fallback creator when the pool is empty.
type SandboxPool struct {
	// ClaimSandbox atomically transitions one pooled resource to active,
	// owned by (accountID, projectID). Returns relstore.ErrNotFound if the
	// pool is empty.
	ClaimSandbox func(ctx context.Context, accountID, projectID string) (Resource, error)
	// CreateSandbox provisions a brand-new sandbox outside the pool,
	// already owned by (accountID, projectID), waiting for its services to
	// come up before returning.
	CreateSandbox func(ctx context.Context, accountID, projectID string) (Resource, error)
}

// ResourceResolver is C11: it binds exactly one sandbox to a (project,
// account) pair, per spec.md §4.9's four-step resolution order, and
// serialises concurrent resolutions for the same project so two racing
// callers never provision two sandboxes for one project.
type ResourceResolver struct {
	store relstore.Store
	pool  SandboxPool
	log   *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]SandboxInfo // project_id -> info

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // project_id -> lock, serialises resolution
}

// NewResourceResolver builds a ResourceResolver over store, claiming or
// creating sandboxes through pool.
func NewResourceResolver(store relstore.Store, pool SandboxPool, log *slog.Logger) *ResourceResolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ResourceResolver{
		store: store,
		pool:  pool,
		log:   log,
		cache: make(map[string]SandboxInfo),
		locks: make(map[string]*sync.Mutex),
	}
}

// Resolve returns the sandbox bound to projectID for accountID, creating one
// if none exists yet. Concurrent calls for the same projectID block on each
// other rather than racing to create duplicate sandboxes.
func (r *ResourceResolver) Resolve(ctx context.Context, accountID, projectID string) (SandboxInfo, error) {
	if info, ok := r.cached(projectID); ok {
		return info, nil
	}

	lock := r.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check the cache: another goroutine may have resolved it while we
	// waited for the lock.
	if info, ok := r.cached(projectID); ok {
		return info, nil
	}

	if res, err := r.store.GetResourceByProject(ctx, projectID); err == nil {
		info := infoFromResource(res)
		r.storeCache(projectID, info)
		return info, nil
	} else if err != relstore.ErrNotFound {
		return SandboxInfo{}, Classify(fmt.Errorf("resource: lookup %s: %w", projectID, err), KindTransient)
	}

	res, err := r.pool.ClaimSandbox(ctx, accountID, projectID)
	if err == nil {
		info := infoFromResource(res)
		r.storeCache(projectID, info)
		return info, nil
	}
	if err != relstore.ErrNotFound {
		return SandboxInfo{}, Classify(fmt.Errorf("resource: claim pool %s: %w", projectID, err), KindTransient)
	}

	r.log.Info("resource: pool empty, creating fresh sandbox", "project_id", projectID)
	res, err = r.pool.CreateSandbox(ctx, accountID, projectID)
	if err != nil {
		return SandboxInfo{}, Classify(fmt.Errorf("resource: create %s: %w", projectID, err), KindTransient)
	}
	info := infoFromResource(res)
	r.storeCache(projectID, info)
	return info, nil
}

// Invalidate drops a project's cached binding, forcing the next Resolve to
// re-read the store. Callers use this after a resource is stopped/deleted.
func (r *ResourceResolver) Invalidate(projectID string) {
	r.cacheMu.Lock()
	delete(r.cache, projectID)
	r.cacheMu.Unlock()
}

func (r *ResourceResolver) cached(projectID string) (SandboxInfo, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	info, ok := r.cache[projectID]
	return info, ok
}

func (r *ResourceResolver) storeCache(projectID string, info SandboxInfo) {
	r.cacheMu.Lock()
	r.cache[projectID] = info
	r.cacheMu.Unlock()
}

func (r *ResourceResolver) lockFor(projectID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[projectID] = lock
	}
	return lock
}

func infoFromResource(res Resource) SandboxInfo {
	return SandboxInfo{
		ResourceID: res.ID,
		ProjectID:  res.ProjectID,
		AccountID:  res.OwnedBy,
		PreviewURL: res.PreviewURL,
		Token:      res.Token,
	}
}

// sandboxBootTimeout is a bound on a fresh container's services becoming
// reachable (spec.md §4.9 step 4, ~2s). Nothing reads it: sandbox/docker's
// startContainer waits a fixed 2s after start instead.
const sandboxBootTimeout = 5 * time.Second
