package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	lhttp "github.com/ikanisa/lawai-sub007/internal/adapter/http"
	"github.com/ikanisa/lawai-sub007/internal/adapter/litellm"
	"github.com/ikanisa/lawai-sub007/internal/adapter/memory"
	lnats "github.com/ikanisa/lawai-sub007/internal/adapter/nats"
	"github.com/ikanisa/lawai-sub007/internal/adapter/natskv"
	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/adapter/postgres"
	"github.com/ikanisa/lawai-sub007/internal/adapter/ristretto"
	"github.com/ikanisa/lawai-sub007/internal/adapter/tiered"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/port/cache"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/resilience"
	"github.com/ikanisa/lawai-sub007/internal/secrets"
	"github.com/ikanisa/lawai-sub007/internal/service"
)

const masterKeySecret = "LITELLM_MASTER_KEY"

// app is the wired orchestration stack shared by serve and the admin
// commands.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  database.Store
	pool   *pgxpool.Pool
	mq     *lnats.Queue // nil when NATS is disabled
	vault  *secrets.Vault
	checks map[string]lhttp.Check

	orchestration *service.OrchestrationService
	queue         *service.QueueService

	closers []func()
}

// newApp connects the infrastructure and builds the services. The returned
// app must be closed.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, checks: make(map[string]lhttp.Check)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		return nil, err
	}

	metrics, err := lotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	safetyCache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	// --- LLM ---
	a.vault, err = secrets.NewVault(secrets.Chain(
		secrets.EnvLoader(masterKeySecret),
		secrets.DirLoader(cfg.LiteLLM.SecretsDir, masterKeySecret),
	))
	if err != nil {
		return nil, err
	}
	client := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Timeout)
	client.SetKeySource(a.vault.Getter(masterKeySecret))
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		log.Warn("litellm circuit breaker", "from", string(from), "to", string(to))
	})
	client.SetBreaker(breaker)
	runner := litellm.NewRunner(client)
	a.checks["litellm"] = client.Health

	// --- Workers ---
	registry := domainworker.NewRegistry()
	for _, d := range cfg.Workers.RemoteDomains {
		registry.Register(lnats.NewRemoteWorker(a.mq, d, cfg.Workers.RemoteTimeout))
	}
	log.Info("domain workers registered", "domains", registry.Domains())

	// --- Services ---
	orch := &cfg.Orchestrator
	director := service.NewDirectorService(a.store, runner, orch, log)
	director.SetMetrics(metrics)
	reviewer := service.NewSafetyService(a.store, runner, orch, log)
	reviewer.SetMetrics(metrics)
	if safetyCache != nil {
		reviewer.SetCache(safetyCache)
	}
	dispatcher := service.NewDispatcherService(a.store, log)
	dispatcher.SetMetrics(metrics)
	reconciler := service.NewReconcilerService(a.store, registry, orch, log)
	reconciler.SetMetrics(metrics)

	a.orchestration = service.NewOrchestrationService(a.store, director, reviewer, orch, log)
	if a.mq != nil {
		reconciler.SetQueue(a.mq)
		a.orchestration.SetQueue(a.mq)
	}
	a.queue = service.NewQueueService(a.store, dispatcher, reconciler, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = memory.New()
		a.log.Warn("using the in-memory store, state is lost on exit")
		return nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, a.cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = postgres.NewStore(pool)
		a.checks["postgres"] = pool.Ping
		a.log.Info("postgres connected", "max_conns", a.cfg.Postgres.MaxConns)
		return nil
	default:
		return fmt.Errorf("store driver %q is not supported", a.cfg.Store.Driver)
	}
}

func (a *app) openQueue(ctx context.Context) error {
	if a.cfg.NATS.URL == "" {
		a.log.Info("nats disabled, pollers run on their timer only")
		return nil
	}
	mq, err := lnats.Connect(ctx, a.cfg.NATS.URL, a.cfg.NATS.Stream, a.log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	a.mq = mq
	a.closers = append(a.closers, func() {
		if err := mq.Drain(); err != nil {
			a.log.Warn("nats drain failed", "error", err)
		}
	})
	a.checks["nats"] = func(context.Context) error {
		if !mq.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}
	a.log.Info("nats connected", "url", a.cfg.NATS.URL, "stream", a.cfg.NATS.Stream)
	return nil
}

// openCache builds the safety decision cache: ristretto in process, backed
// by a JetStream KV bucket shared between replicas when NATS is enabled.
func (a *app) openCache(ctx context.Context) (cache.Cache, error) {
	ttl := a.cfg.Orchestrator.SafetyCacheTTL
	if ttl <= 0 {
		return nil, nil
	}
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("safety cache: %w", err)
	}
	a.closers = append(a.closers, l1.Close)
	if a.mq == nil {
		return l1, nil
	}

	kv, err := a.mq.KeyValue(ctx, a.cfg.Cache.L2Bucket, ttl)
	if err != nil {
		return nil, fmt.Errorf("safety cache bucket: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), ttl), nil
}

// Close releases the infrastructure in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
