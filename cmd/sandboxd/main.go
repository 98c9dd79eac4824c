// Command sandboxd maintains the Docker-backed sandbox pool (C4.10): it
// keeps a warm set of pooled containers replenished and periodically
// reclaims stale ones, so cmd/worker's ResourceResolver rarely pays a
// container-start latency cost when binding a project to its sandbox.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corerun/corerun/config"
	"github.com/corerun/corerun/relstore"
	relpostgres "github.com/corerun/corerun/relstore/postgres"
	"github.com/corerun/corerun/relstore/sqlite"
	"github.com/corerun/corerun/sandbox/docker"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	poolHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corerun_sandbox_pool_hits_total",
		Help: "Claims served from the warm sandbox pool.",
	})
	poolMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corerun_sandbox_pool_misses_total",
		Help: "Claims that found the pool empty and fell through to fresh creation.",
	})
	poolCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corerun_sandbox_created_total",
		Help: "Containers created by the pool (replenish + fresh creation).",
	})
	poolExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corerun_sandbox_expired_total",
		Help: "Containers reclaimed by the stale-sandbox cleanup pass.",
	})
)

func init() {
	prometheus.MustRegister(poolHits, poolMisses, poolCreated, poolExpired)
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := config.Load(os.Getenv("CORERUN_CONFIG_PATH"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error("sandboxd: build relational store", "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		log.Error("sandboxd: init relational store schema", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Error("sandboxd: build docker client", "error", err)
		os.Exit(1)
	}
	defer dockerCli.Close()

	pool := docker.New(dockerCli, store, cfg.BuildResourcePool(), log)

	if err := pool.EnsurePoolSize(ctx); err != nil {
		log.Warn("sandboxd: initial replenish failed", "error", err)
	}

	replenish := time.NewTicker(cfg.ResourceReplenishInterval())
	defer replenish.Stop()
	cleanup := time.NewTicker(cfg.ResourceCleanupInterval())
	defer cleanup.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-replenish.C:
				if err := pool.EnsurePoolSize(ctx); err != nil {
					log.Warn("sandboxd: replenish failed", "error", err)
				}
			case <-cleanup.C:
				n, err := pool.CleanupStaleSandboxes(ctx)
				if err != nil {
					log.Warn("sandboxd: cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					log.Info("sandboxd: cleaned up stale sandboxes", "count", n)
				}
			}
		}
	}()

	go reportMetrics(ctx, pool)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: healthAddr(), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("sandboxd: health/metrics server failed", "error", err)
		}
	}()

	log.Info("sandboxd: started")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	log.Info("sandboxd: stopped")
}

func healthAddr() string {
	if v := os.Getenv("CORERUN_SANDBOXD_HEALTH_ADDR"); v != "" {
		return v
	}
	return ":8081"
}

func buildStore(ctx context.Context, cfg config.Config) (relstore.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		p, err := pgxpool.New(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		return relpostgres.New(p), nil
	default:
		return sqlite.New(cfg.Database.Path)
	}
}

// reportMetrics mirrors the pool's running counters into the Prometheus
// counters on a short interval, since Pool.Metrics is a plain in-memory
// snapshot rather than registered collectors itself.
func reportMetrics(ctx context.Context, pool *docker.Pool) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastHits, lastMisses, lastCreated, lastExpired int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses, created, expired := pool.Metrics()
			poolHits.Add(float64(hits - lastHits))
			poolMisses.Add(float64(misses - lastMisses))
			poolCreated.Add(float64(created - lastCreated))
			poolExpired.Add(float64(expired - lastExpired))
			lastHits, lastMisses, lastCreated, lastExpired = hits, misses, created, expired
		}
	}
}
