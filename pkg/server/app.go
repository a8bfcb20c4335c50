// Package server owns process lifecycle: consumer registration, startup
// order and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"marketpulse/internal/approval"
	"marketpulse/internal/breaking"
	"marketpulse/internal/ledger"
	"marketpulse/internal/pipeline"
	"marketpulse/internal/usecase"
	pkgch "marketpulse/pkg/clickhouse"
	"marketpulse/pkg/config"
	xhttp "marketpulse/pkg/http"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// Options carries everything the app runs. Optional members may be nil.
type Options struct {
	Config    *config.Config
	Logger    *applogger.Logger
	Fabric    queue.Fabric
	Validator *usecase.Validator
	Pipelines *pipeline.Manager
	Router    *breaking.Router
	Monitor   *breaking.Monitor
	Executor  *usecase.Executor
	Approvals *approval.Manager
	Ledger    *ledger.Ledger
	HTTP      *xhttp.Server
	MarkFeed  *ledger.MarkFeed
	CH        *pkgch.Client
}

// App is the assembled process.
type App struct {
	o Options
	l *applogger.Logger
}

func New(o Options) *App {
	return &App{o: o, l: o.Logger.With("app")}
}

// Run subscribes consumers, starts everything and blocks until SIGINT or
// SIGTERM, then shuts down in reverse order.
func (a *App) Run() error {
	cfg := a.o.Config

	if err := a.subscribe(); err != nil {
		return err
	}
	if err := a.o.Fabric.Start(); err != nil {
		return fmt.Errorf("start fabric: %w", err)
	}
	a.o.Pipelines.Start()
	a.o.Monitor.Start()
	a.o.Approvals.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if a.o.MarkFeed != nil {
		a.o.MarkFeed.Start(ctx, cfg.MarketData.Markets)
	}
	if err := a.o.HTTP.Start(); err != nil {
		return fmt.Errorf("start http: %w", err)
	}
	a.l.Info("started",
		applogger.String("backend", cfg.Fabric.Backend),
		applogger.Int("port", cfg.Server.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.l.Info("shutdown signal received")
	cancel()
	return a.shutdown()
}

func (a *App) subscribe() error {
	cfg := a.o.Config
	f := a.o.Fabric

	if err := f.Subscribe(a.o.Validator,
		queue.WithGroup("validate"), queue.WithWorkers(cfg.Pipeline.Workers)); err != nil {
		return fmt.Errorf("subscribe validator: %w", err)
	}
	if err := a.o.Pipelines.Register(f, cfg.Pipeline.Workers); err != nil {
		return err
	}
	// The fast path gets its own groups and budget so it never competes
	// with category consumers.
	if err := f.Subscribe(a.o.Router,
		queue.WithGroup("breaking-router"), queue.WithWorkers(cfg.Breaking.Workers)); err != nil {
		return fmt.Errorf("subscribe breaking router: %w", err)
	}
	if err := f.Subscribe(a.o.Monitor,
		queue.WithGroup("breaking"), queue.WithWorkers(cfg.Breaking.Workers)); err != nil {
		return fmt.Errorf("subscribe breaking monitor: %w", err)
	}
	if err := f.Subscribe(a.o.Executor,
		queue.WithGroup("execution"), queue.WithWorkers(cfg.Pipeline.Workers)); err != nil {
		return fmt.Errorf("subscribe executor: %w", err)
	}
	return nil
}

func (a *App) shutdown() error {
	cfg := a.o.Config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop feeding before draining: producers and pipelines flush first, in
	// parallel, then the fabric drains in-flight envelopes.
	var g errgroup.Group
	g.Go(func() error { return a.o.HTTP.Stop(ctx) })
	g.Go(func() error {
		if a.o.MarkFeed != nil {
			a.o.MarkFeed.Stop()
		}
		return nil
	})
	g.Go(func() error {
		a.o.Pipelines.Stop()
		return nil
	})
	g.Go(func() error {
		a.o.Monitor.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		a.l.Warn("producer stop", applogger.Error(err))
	}
	if err := a.o.Fabric.Stop(ctx); err != nil {
		a.l.Warn("fabric stop", applogger.Error(err))
	}
	a.o.Approvals.Stop()

	if a.o.CH != nil {
		if err := a.o.CH.Close(); err != nil {
			a.l.Warn("clickhouse close", applogger.Error(err))
		}
	}
	a.l.Info("shutdown complete")
	return nil
}
