// Package docker implements corerun's C4.10 sandbox pool: a warm set of
// pre-created, Docker-backed code-execution containers (running the
// cmd/sandbox image) that ResourceResolver claims from instead of paying a
// container-start latency cost on every new project.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/relstore"
)

// Config parameterises the pool, per spec.md §4.10.
type Config struct {
	Image              string // cmd/sandbox container image
	MinSize            int    // replenish up to this many pooled containers
	MaxSize            int    // never hold more than this many live containers
	ReplenishBelow     int    // fire ensure_pool_size when pool_size < this
	ParallelCreateLimit int   // concurrent container creates during replenish
	ContainerPort       int   // the sandbox's listening port inside the container
	MaxAge              time.Duration // cleanup_stale_sandboxes threshold
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "corerun-sandbox:latest"
	}
	if c.MinSize <= 0 {
		c.MinSize = 2
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 20
	}
	if c.ReplenishBelow <= 0 {
		c.ReplenishBelow = c.MinSize
	}
	if c.ParallelCreateLimit <= 0 {
		c.ParallelCreateLimit = 3
	}
	if c.ContainerPort <= 0 {
		c.ContainerPort = 9000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	return c
}

// Pool manages the lifecycle of Docker-backed sandboxes: create, claim,
// replenish, and stale cleanup, tracking state through relstore's resources
// table (pooled -> active -> stopped -> deleted).
type Pool struct {
	cli   *client.Client
	store relstore.Store
	cfg   Config
	log   *slog.Logger

	replenishMu sync.Mutex // single-process lock: prevents overlapping replenish runs

	hits, misses, created, expired int64
	metricsMu                      sync.Mutex
}

// New builds a Pool over an existing Docker client and relstore.Store.
func New(cli *client.Client, store relstore.Store, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{cli: cli, store: store, cfg: cfg.withDefaults(), log: log}
}

// GetPoolSize returns the number of resources currently in ResourcePooled.
func (p *Pool) GetPoolSize(ctx context.Context) (int, error) {
	n, err := p.store.CountPooledResources(ctx)
	if err != nil {
		return 0, corerun.Classify(fmt.Errorf("sandbox pool: count: %w", err), corerun.KindTransient)
	}
	return n, nil
}

// CreatePooledSandbox launches one container and inserts it as a
// ResourcePooled row, unowned, ready for a future ClaimSandbox.
func (p *Pool) CreatePooledSandbox(ctx context.Context) error {
	containerID, previewURL, token, err := p.startContainer(ctx)
	if err != nil {
		return err
	}

	now := corerun.NowUnix()
	res := corerun.Resource{
		ID:          corerun.NewID(),
		Status:      corerun.ResourcePooled,
		ContainerID: containerID,
		PreviewURL:  previewURL,
		Token:       token,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := p.store.CreateResource(ctx, res); err != nil {
		_ = p.removeContainer(context.Background(), containerID)
		return corerun.Classify(fmt.Errorf("sandbox pool: insert pooled resource: %w", err), corerun.KindTransient)
	}

	p.metricsMu.Lock()
	p.created++
	p.metricsMu.Unlock()
	return nil
}

// ClaimSandbox atomically hands one pooled resource to (accountID,
// projectID), or returns relstore.ErrNotFound if the pool is empty.
func (p *Pool) ClaimSandbox(ctx context.Context, accountID, projectID string) (corerun.Resource, error) {
	start := time.Now()
	res, err := p.store.ClaimPooledResource(ctx, accountID, projectID, corerun.NowUnix())

	p.metricsMu.Lock()
	if err == nil {
		p.hits++
	} else if err == relstore.ErrNotFound {
		p.misses++
	}
	p.metricsMu.Unlock()

	if err != nil {
		if err == relstore.ErrNotFound {
			return corerun.Resource{}, err
		}
		return corerun.Resource{}, corerun.Classify(fmt.Errorf("sandbox pool: claim: %w", err), corerun.KindTransient)
	}

	p.log.Info("sandbox pool: claimed", "resource_id", res.ID, "project_id", projectID, "wait", time.Since(start))
	return res, nil
}

// CreateSandbox provisions a fresh, already-active sandbox outside the
// pool, for when ClaimSandbox finds nothing available.
func (p *Pool) CreateSandbox(ctx context.Context, accountID, projectID string) (corerun.Resource, error) {
	containerID, previewURL, token, err := p.startContainer(ctx)
	if err != nil {
		return corerun.Resource{}, err
	}

	now := corerun.NowUnix()
	res := corerun.Resource{
		ID:          corerun.NewID(),
		Status:      corerun.ResourceActive,
		OwnedBy:     accountID,
		ProjectID:   projectID,
		ContainerID: containerID,
		PreviewURL:  previewURL,
		Token:       token,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := p.store.CreateResource(ctx, res); err != nil {
		_ = p.removeContainer(context.Background(), containerID)
		return corerun.Resource{}, corerun.Classify(fmt.Errorf("sandbox pool: insert active resource: %w", err), corerun.KindTransient)
	}
	p.metricsMu.Lock()
	p.created++
	p.metricsMu.Unlock()
	return res, nil
}

// EnsurePoolSize replenishes the pool up to MinSize (capped at MaxSize),
// creating at most ParallelCreateLimit containers concurrently. A no-op if
// the pool is already at or above ReplenishBelow, and a no-op if a
// replenish run is already in flight.
func (p *Pool) EnsurePoolSize(ctx context.Context) error {
	if !p.replenishMu.TryLock() {
		p.log.Debug("sandbox pool: replenish already in flight, skipping")
		return nil
	}
	defer p.replenishMu.Unlock()

	size, err := p.GetPoolSize(ctx)
	if err != nil {
		return err
	}
	if size >= p.cfg.ReplenishBelow {
		return nil
	}

	want := p.cfg.MinSize - size
	if size+want > p.cfg.MaxSize {
		want = p.cfg.MaxSize - size
	}
	if want <= 0 {
		return nil
	}

	sem := make(chan struct{}, p.cfg.ParallelCreateLimit)
	var wg sync.WaitGroup
	errs := make([]error, want)
	for i := 0; i < want; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = p.CreatePooledSandbox(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	p.log.Info("sandbox pool: replenished", "created", want)
	return nil
}

// CleanupStaleSandboxes stops and deletes pooled or active sandboxes idle longer than
// MaxAge, freeing Docker resources the pool no longer needs.
func (p *Pool) CleanupStaleSandboxes(ctx context.Context) (int, error) {
	cutoff := corerun.NowUnix() - int64(p.cfg.MaxAge.Seconds())
	stale, err := p.store.ListStaleResources(ctx, cutoff)
	if err != nil {
		return 0, corerun.Classify(fmt.Errorf("sandbox pool: list stale: %w", err), corerun.KindTransient)
	}

	cleaned := 0
	for _, res := range stale {
		if err := p.removeContainer(ctx, res.ContainerID); err != nil {
			p.log.Warn("sandbox pool: cleanup: remove container failed", "resource_id", res.ID, "error", err)
		}
		if err := p.store.UpdateResourceStatus(ctx, res.ID, corerun.ResourceDeleted); err != nil {
			p.log.Warn("sandbox pool: cleanup: mark deleted failed", "resource_id", res.ID, "error", err)
			continue
		}
		cleaned++
	}

	p.metricsMu.Lock()
	p.expired += int64(cleaned)
	p.metricsMu.Unlock()
	return cleaned, nil
}

// Metrics reports the pool's running counters (hits/misses feed the
// pool-hit-rate spec.md §4.10 asks for).
func (p *Pool) Metrics() (hits, misses, created, expired int64) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.hits, p.misses, p.created, p.expired
}

func (p *Pool) startContainer(ctx context.Context) (containerID, previewURL, token string, err error) {
	port := strconv.Itoa(p.cfg.ContainerPort)
	exposedPort := nat.Port(port + "/tcp")

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposedPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		AutoRemove: false,
	}

	created, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:        p.cfg.Image,
		ExposedPorts: nat.PortSet{exposedPort: struct{}{}},
	}, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", "", "", corerun.Classify(fmt.Errorf("sandbox pool: container create: %w", err), corerun.KindTransient)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", "", corerun.Classify(fmt.Errorf("sandbox pool: container start: %w", err), corerun.KindTransient)
	}

	inspect, err := p.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return "", "", "", corerun.Classify(fmt.Errorf("sandbox pool: container inspect: %w", err), corerun.KindTransient)
	}

	hostPort := ""
	if bindings, ok := inspect.NetworkSettings.Ports[exposedPort]; ok && len(bindings) > 0 {
		hostPort = bindings[0].HostPort
	}
	previewURL = fmt.Sprintf("http://127.0.0.1:%s", hostPort)
	token = corerun.NewID()

	time.Sleep(2 * time.Second) // spec.md §4.9 step 4: wait for services to come up
	return created.ID, previewURL, token, nil
}

func (p *Pool) removeContainer(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	timeout := 5
	_ = p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
