package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	lhttp "github.com/ikanisa/lawai-sub007/internal/adapter/http"
	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/middleware"
	"github.com/ikanisa/lawai-sub007/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "admin":
			return runAdmin(args[1:])
		case "serve":
			args = args[1:]
		}
	}
	return serve(args)
}

func serve(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	defer closer.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"path", path,
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"log_level", cfg.Logging.Level,
		"safety_gate", cfg.Orchestrator.SafetyGate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOTEL, err := lotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	// --- Infrastructure and services ---
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Store.Driver == "postgres" {
		if err := runMigrations(ctx, cfg); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	pollers, err := buildPollers(a)
	if err != nil {
		return err
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(lotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(lhttp.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	lhttp.MountRoutes(r, &lhttp.Handlers{
		Orchestration: a.orchestration,
		Checks:        a.checks,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, p := range pollers {
		g.Go(func() error { return p.Run(gctx) })
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		a.vault.ReloadOn(gctx, hup, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// buildPollers starts one drain loop per configured org and worker kind.
func buildPollers(a *app) ([]*service.Poller, error) {
	w := a.cfg.Workers
	if len(w.OrgIDs) == 0 {
		a.log.Warn("no org_ids configured, queue drain loops are disabled")
		return nil, nil
	}
	if len(w.Kinds) > 0 && len(a.cfg.Workers.RemoteDomains) == 0 {
		a.log.Warn("no remote domains registered, every claimed job will fail with worker_not_registered")
	}

	pollers := make([]*service.Poller, 0, len(w.OrgIDs)*len(w.Kinds))
	for _, org := range w.OrgIDs {
		for _, k := range w.Kinds {
			kind := command.WorkerKind(k)
			if !kind.Valid() {
				return nil, fmt.Errorf("workers.kinds: unknown worker kind %q", k)
			}
			p := service.NewPoller(a.queue, org, kind, w.PollInterval, a.cfg.Orchestrator.ClaimBatchSize, a.log)
			if a.mq != nil {
				p.SetWakeups(a.mq)
			}
			pollers = append(pollers, p)
		}
	}
	a.log.Info("queue drain loops configured", "count", len(pollers))
	return pollers, nil
}
