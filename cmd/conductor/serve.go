package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/conductor/internal/api"
	"github.com/dreamware/conductor/internal/config"
	"github.com/dreamware/conductor/internal/engine"
	"github.com/dreamware/conductor/internal/health"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/notify"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

// shutdownGrace bounds how long in-flight API requests may take after a
// stop signal.
const shutdownGrace = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Initialize(cfg.Log.Level, logger.Format(cfg.Log.Format))
			defer func() { _ = logger.Sync() }()

			a, err := build(cfg, logger.For(logger.ComponentEngine))
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONDUCTOR_CONFIG"), "path to the YAML config file")
	return cmd
}

// app is a fully wired engine with its HTTP server.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	http   *http.Server
	log    *zap.SugaredLogger
}

// build opens the store and wires the engine described by cfg.
func build(cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	drivers := profile.NewRegistry()
	for _, spec := range cfg.Profiles {
		d, err := profile.Build(spec)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("profile %s: %w", spec.ID, err)
		}
		drivers.Register(spec.ID, d)
	}

	var pub notify.Publisher = notify.NewLog()
	if cfg.Notify.WebhookURL != "" {
		opts := []notify.WebhookOption{notify.WithMaxElapsed(cfg.Notify.MaxElapsed)}
		if cfg.Notify.Token != "" {
			opts = append(opts, notify.WithBearer(cfg.Notify.Token))
		}
		pub = notify.NewWebhook(cfg.Notify.WebhookURL, opts...)
	}

	engineID := cfg.EngineID
	if engineID == "" {
		engineID = "engine-" + uuid.NewString()[:8]
	}
	e := engine.New(st, drivers,
		engine.WithEngineID(engineID),
		engine.WithWorkers(cfg.Workers),
		engine.WithLifecycleTimeout(cfg.Lifecycle.DefaultTimeout),
		engine.WithDeletionCriteria(cfg.DefaultDeletionCriteria),
		engine.WithPublisher(pub),
		engine.WithLockTiming(cfg.Locks.Staleness, cfg.Locks.HeartbeatInterval, cfg.Locks.ReapInterval),
		engine.WithReceiverRate(rate.Limit(cfg.Receivers.Rate), cfg.Receivers.Burst),
		engine.WithHealthOptions(
			health.WithReconcileInterval(cfg.Health.ReconcileInterval),
			health.WithRetryInterval(cfg.Health.RetryInterval),
			health.WithHTTPClient(&http.Client{Timeout: cfg.Health.CheckTimeout}),
		),
		engine.WithLogger(log),
	)

	srv := api.New(e, api.WithToken(cfg.APIToken))
	return &app{
		cfg:    cfg,
		store:  st,
		engine: e,
		http: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.Engine != config.StoreBadger {
		return store.NewMemory(), nil
	}
	kv, err := store.OpenBadger(store.BadgerConfig{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
		GCInterval: cfg.Store.GCInterval,
		Logger:     logger.For(logger.ComponentStore),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Store.Path, err)
	}
	return store.New(kv), nil
}

// run serves until ctx is done, then drains the HTTP server and stops the
// engine. A non-nil ln is served instead of listening on cfg.ListenAddr.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error {
		a.log.Infow("api listening", "addr", a.cfg.ListenAddr, "engine_id", a.engine.ID())
		var err error
		if ln != nil {
			err = a.http.Serve(ln)
		} else {
			err = a.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.http.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	a.log.Infow("conductor stopped", "engine_id", a.engine.ID())
	return err
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnw("closing store", "error", err)
	}
}
