// Command worker runs a single corerun worker process: it claims queued
// runs from the shared KV stream, drives them through the orchestrator's
// auto-continue loop, and serves Prometheus metrics plus a health check.
// See corerun's package doc for the full subsystem wiring this assembles.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docker/docker/client"

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/code"
	"github.com/corerun/corerun/config"
	"github.com/corerun/corerun/kv"
	"github.com/corerun/corerun/kv/memory"
	"github.com/corerun/corerun/kv/redis"
	"github.com/corerun/corerun/llm/anthropic"
	"github.com/corerun/corerun/llm/openai"
	"github.com/corerun/corerun/observer"
	"github.com/corerun/corerun/relstore"
	relpostgres "github.com/corerun/corerun/relstore/postgres"
	"github.com/corerun/corerun/relstore/sqlite"
	"github.com/corerun/corerun/sandbox/docker"
	"github.com/corerun/corerun/tools/calculator"
	"github.com/corerun/corerun/tools/execcode"
	"github.com/corerun/corerun/tools/shell"
)

const runStreamKey = "corerun:runs"
const runConsumerGroup = "workers"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := config.Load(os.Getenv("CORERUN_CONFIG_PATH"))
	workerID := os.Getenv("CORERUN_WORKER_ID")
	if workerID == "" {
		workerID = corerun.NewID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error("worker: build relational store", "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		log.Error("worker: init relational store schema", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	kvStore, err := buildKV(cfg, log)
	if err != nil {
		log.Error("worker: build kv store", "error", err)
		os.Exit(1)
	}
	defer kvStore.Close()

	var inst *observer.Instruments
	var tracer corerun.Tracer
	if cfg.Observer.Enabled {
		if cfg.Observer.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.OTLPEndpoint)
		}
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, row := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: row.InputPerMillion, OutputPerMillion: row.OutputPerMillion}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Error("worker: observer init failed, continuing without tracing", "error", err)
		} else {
			defer shutdown(context.Background())
			tracer = observer.NewTracer()
		}
	}

	provider, err := buildProvider(cfg, inst)
	if err != nil {
		log.Error("worker: build llm provider", "error", err)
		os.Exit(1)
	}

	tools := corerun.NewToolRegistry()
	workspace := os.Getenv("CORERUN_WORKSPACE_PATH")
	if workspace == "" {
		workspace = "/tmp/corerun-workspace"
	}
	shell.New(workspace, 30).Register(tools)
	calculator.New().Register(tools)
	if cfg.Resource.Enabled {
		if err := registerExecCode(store, cfg, tools, log); err != nil {
			log.Error("worker: sandbox tool disabled, execute_code unavailable", "error", err)
		}
	}

	guestLimiter := corerun.NewGuestLimiter(kvStore, cfg.BuildGuestLimiter())
	guestLimiter.StartCleanupLoop(ctx)

	shard, shardTotal := corerun.ShardFromEnv()

	lease := corerun.NewLeaseManager(kvStore, workerID, cfg.BuildLease())
	wb := corerun.NewWriteBuffer(nil, cfg.BuildBuffer(), log)
	deductor := NoopCreditDeductor{log: log}
	writer := corerun.NewTransactionalWriter(store, deductor, cfg.BuildCredit())
	flusher := corerun.NewRunFlusher(writer, store)
	wb = corerun.NewWriteBuffer(flusher, cfg.BuildBuffer(), log)
	ctxMgr := corerun.NewContextManager(provider, cfg.BuildContext(), log)
	cache := corerun.NewPromptCacheStrategist(store)
	sweeper := corerun.NewSweeper(lease, store, wb, cfg.BuildSweeper(shard, shardTotal), log)

	orch := corerun.NewOrchestrator(store, kvStore, wb, tools, provider, nil, ctxMgr, cache, nil, tracer, cfg.BuildOrchestrator(), log)
	credit := KVReservationChecker{kv: kvStore}
	autoCfg := corerun.AutoContinueConfig{}
	runner := corerun.NewAutoContinue(orch, wb, credit, autoCfg, log)

	wb.Start(ctx)
	defer wb.Stop(context.Background())
	sweeper.Start(ctx)
	defer sweeper.Stop()
	for _, runID := range sweeper.RecoverOnStartup(ctx) {
		log.Info("worker: recovered run at startup", "run_id", runID)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: healthAddr(), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker: health/metrics server failed", "error", err)
		}
	}()

	log.Info("worker: started", "worker_id", workerID, "shard", shard, "shard_total", shardTotal)
	runQueueLoop(ctx, kvStore, lease, runner, guestLimiter, workerID, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	log.Info("worker: stopped")
}

func healthAddr() string {
	if v := os.Getenv("CORERUN_HEALTH_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

func buildStore(ctx context.Context, cfg config.Config) (relstore.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return relpostgres.New(pool), nil
	default:
		return sqlite.New(cfg.Database.Path)
	}
}

func buildKV(cfg config.Config, log *slog.Logger) (kv.Store, error) {
	switch cfg.KV.Driver {
	case "redis":
		return redis.New(redis.Config{Addr: cfg.KV.Addr, Password: cfg.KV.Password, DB: cfg.KV.DB}, log)
	default:
		return memory.New(), nil
	}
}

// registerExecCode wires C11's sandbox pool to the "execute_code" tool: a
// Docker client backs the pool, a ResourceResolver binds sandboxes to
// projects, and an HTTPRunner dispatches code to whichever sandbox the
// resolver hands back for the calling project.
func registerExecCode(store relstore.Store, cfg config.Config, tools *corerun.ToolRegistry, log *slog.Logger) error {
	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("build docker client: %w", err)
	}
	pool := docker.New(dockerCli, store, cfg.BuildResourcePool(), log)
	resolver := corerun.NewResourceResolver(store, corerun.SandboxPool{
		ClaimSandbox:  pool.ClaimSandbox,
		CreateSandbox: pool.CreateSandbox,
	}, log)
	runner := code.NewHTTPRunner("http://unset.invalid") // overridden per call via CodeRequest.SandboxURL
	execcode.New(resolver, runner, tools).Register(tools)
	return nil
}

func buildProvider(cfg config.Config, inst *observer.Instruments) (corerun.Provider, error) {
	var base corerun.Provider
	switch cfg.LLM.Provider {
	case "openai":
		base = openai.NewProvider(cfg.LLM.APIKey, openai.Options{MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature})
	default:
		base = anthropic.NewProvider(cfg.LLM.APIKey, anthropic.Options{MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature})
	}

	withBreaker := corerun.WithBreaker(base, cfg.BuildBreaker(base.Name()))
	withLimit := corerun.WithRateLimit(withBreaker, corerun.RPM(600), corerun.TPM(1_000_000))
	withRetry := corerun.WithRetry(withLimit, cfg.BuildRetry())

	var wrapped corerun.Provider = withRetry
	if inst != nil {
		wrapped = observer.WrapProvider(withRetry, cfg.LLM.Model, inst)
	}
	return wrapped, nil
}

// runQueueLoop reads run-start entries off the shared stream and drives each
// claimed run to completion via AutoContinue, acknowledging the entry once
// the run reaches a stop condition so a crash mid-run leaves it for another
// worker's consumer-group redelivery rather than silently dropping it.
// Entries from an unauthenticated caller (no account_id, carrying a guest
// session/IP instead) are checked against guestLimiter before being claimed,
// so guest quota enforcement happens exactly once per run regardless of how
// many workers are racing to read the stream.
func runQueueLoop(ctx context.Context, kvStore kv.Store, lease *corerun.LeaseManager, runner *corerun.AutoContinue, guestLimiter *corerun.GuestLimiter, workerID string, log *slog.Logger) {
	if err := kvStore.XGroupCreate(ctx, runStreamKey, runConsumerGroup, "0"); err != nil {
		log.Warn("worker: consumer group create failed (may already exist)", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := kvStore.XReadGroup(ctx, runStreamKey, runConsumerGroup, workerID, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("worker: XReadGroup failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, e := range entries {
			in, guest, ok := parseRunEntry(e)
			if !ok {
				_ = kvStore.XAck(ctx, runStreamKey, runConsumerGroup, e.ID)
				continue
			}

			if in.AccountID == "" && guest.sessionID != "" {
				if err := guestLimiter.Allow(ctx, guest.sessionID, guest.ip); err != nil {
					log.Info("worker: guest run rejected", "run_id", in.RunID, "error", err)
					_ = kvStore.XAck(ctx, runStreamKey, runConsumerGroup, e.ID)
					continue
				}
			}

			claimed, err := lease.Claim(ctx, in.RunID)
			if err != nil || !claimed {
				continue // another worker holds it; leave unacked for redelivery
			}

			if err := runner.Run(ctx, in); err != nil {
				log.Warn("worker: run ended with error", "run_id", in.RunID, "error", err)
			}
			_ = lease.Release(ctx, in.RunID, "completed")
			_ = kvStore.XAck(ctx, runStreamKey, runConsumerGroup, e.ID)
		}
	}
}

// guestEntry carries an anonymous caller's rate-limit identity, populated by
// the (out-of-scope) HTTP/SSE admission surface when it enqueues a run
// without an account_id.
type guestEntry struct {
	sessionID string
	ip        string
}

func parseRunEntry(e kv.StreamEntry) (corerun.TurnInput, guestEntry, bool) {
	runID := e.Fields["run_id"]
	if runID == "" {
		return corerun.TurnInput{}, guestEntry{}, false
	}
	in := corerun.TurnInput{
		RunID:        runID,
		AccountID:    e.Fields["account_id"],
		ThreadID:     e.Fields["thread_id"],
		Model:        e.Fields["model"],
		SystemPrompt: e.Fields["system_prompt"],
	}
	if msg := e.Fields["user_message"]; msg != "" {
		in.UserMessage = &corerun.Message{
			ID: corerun.NewID(), ThreadID: in.ThreadID, Type: corerun.MessageUser,
			Content: []byte(`"` + msg + `"`), CreatedAt: corerun.NowUnix(),
		}
	}
	guest := guestEntry{sessionID: e.Fields["guest_session_id"], ip: e.Fields["guest_ip"]}
	return in, guest, true
}

// NoopCreditDeductor is the hook point for an external billing service;
// billing tier configuration is out of scope here (spec's Non-goals), so
// deduction always succeeds and is only logged.
type NoopCreditDeductor struct {
	log *slog.Logger
}

func (d NoopCreditDeductor) Deduct(_ context.Context, accountID string, amount float64) error {
	d.log.Info("credit deduction (noop billing backend)", "account_id", accountID, "amount", amount)
	return nil
}

// KVReservationChecker reports a live reservation by scanning the durable
// credit_reservation:{account}:* keys writer.go's hold table mirrors into
// the KV store (spec's C5 "short-lived credit hold" convention).
type KVReservationChecker struct {
	kv kv.Store
}

func (c KVReservationChecker) CheckReservation(ctx context.Context, accountID, _ string) (bool, error) {
	found := false
	pattern := "credit_reservation:" + accountID + ":*"
	err := c.kv.Scan(ctx, pattern, func(string) bool {
		found = true
		return false
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
