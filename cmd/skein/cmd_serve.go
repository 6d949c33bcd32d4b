package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"skein/pkg/catalog"
	"skein/pkg/config"
	"skein/pkg/ipc"
	"skein/pkg/relay"
	"skein/pkg/session"
	"skein/pkg/store"
)

// shutdownTimeout bounds ShutdownAll plus the final outbox flush.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the "skein serve" subcommand.
func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: route the inbox, supervise workers, flush the outbox",
		Long: "serve holds the single-instance lock, polls the inbox for new events,\n" +
			"starts one worker process per session, and publishes every observed\n" +
			"event through the outbox. SIGINT or SIGTERM closes all sessions.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			logger, err := stderrLogger(flags, e.cfg, false)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), e, flags, logger)
		},
	}
}

func runServe(parent context.Context, e *env, flags *globalFlags, logger *slog.Logger) (err error) {
	lock, err := acquireDaemonLock(e.paths.LockPath, e.paths.PIDPath)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()

	s, err := e.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	personas, err := config.LoadPersonas(e.paths.PersonasPath)
	if err != nil {
		return err
	}

	cat := catalog.New(catalog.Options{Logger: logger.With("component", "catalog")})
	spawner, err := newSpawner(e, flags, cat, logger)
	if err != nil {
		return err
	}
	if _, err := cat.LookPath(e.cfg.Workers.ClaudeBinary); err != nil {
		logger.Warn("coding agent CLI not found; bot sessions will fail to start", "binary", e.cfg.Workers.ClaudeBinary)
	}

	sink := &relay.OutboxSink{Store: s, Logger: logger.With("component", "sink"), Skip: skipSet(e.cfg.Relay.SkipEvents)}
	w := e.cfg.Workers
	mgr := session.New(session.Config{
		InitTimeout:  w.InitTimeout.Std(),
		CloseTimeout: w.CloseTimeout.Std(),
		EvictAfter:   w.EvictAfter.Std(),
		TermAfter:    w.TermAfter.Std(),
		KillAfter:    w.KillAfter.Std(),
		Logger:       logger.With("component", "session"),
	}, spawner, sink)

	router := &relay.Router{
		Store:        s,
		Sessions:     mgr,
		Meta:         sessionMeta(e, personas),
		Logger:       logger.With("component", "router"),
		PollInterval: e.cfg.Relay.PollInterval.Std(),
		BatchSize:    e.cfg.Relay.BatchSize,
	}
	flusher := &relay.Flusher{
		Store:        s,
		Publisher:    newPublisher(e.cfg, logger),
		Logger:       logger.With("component", "flusher"),
		PollInterval: e.cfg.Relay.PollInterval.Std(),
		BatchSize:    e.cfg.Relay.BatchSize,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("skein serving", "pid", os.Getpid(), "db", e.paths.DBPath)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error {
		if err := cat.Watch(gctx, e.paths.ConfigPath, e.paths.PersonasPath); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	logger.Info("shutting down", "sessions", len(mgr.ListActive()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.ShutdownAll(shutdownCtx); err != nil {
		logger.Error("shutdown sessions", "error", err)
	}
	mgr.Close()
	if n, err := flusher.Flush(shutdownCtx); err != nil {
		logger.Warn("final outbox flush", "sent", n, "error", err)
	}
	logger.Info("skein stopped")
	return runErr
}

// newSpawner builds the worker spawner. The worker binary defaults to this
// executable; a configured name is resolved through the catalog.
func newSpawner(e *env, flags *globalFlags, cat *catalog.Catalog, logger *slog.Logger) (*session.ExecSpawner, error) {
	sp := &session.ExecSpawner{
		Args:   []string{"worker"},
		Env:    e.childEnv(),
		LogDir: e.paths.LogDir,
		Logger: logger.With("component", "spawner"),
	}
	if lvl := flags.level(e.cfg); lvl != "" {
		sp.Args = append(sp.Args, "--log-level", lvl)
	}
	if e.cfg.Workers.Binary != "" {
		bin, err := cat.LookPath(e.cfg.Workers.Binary)
		if err != nil {
			return nil, fmt.Errorf("worker binary: %w", err)
		}
		sp.Binary = bin
	}
	return sp, nil
}

// sessionMeta gives every new session its own workspace and the configured
// default model and persona. A persona that names a model overrides the
// default.
func sessionMeta(e *env, personas config.Personas) relay.MetaFunc {
	return func(rec store.InboxRecord) session.Meta {
		meta := relay.DefaultMeta(rec)
		meta.WorkspaceDir = e.paths.SessionWorkspace(rec.SessionID)
		meta.ProjectPath = meta.WorkspaceDir
		meta.Model = ipc.ModelConfig{
			Provider:  e.cfg.Models.Provider,
			Model:     e.cfg.Models.Model,
			MaxTokens: e.cfg.Models.MaxTokens,
		}
		if name := e.cfg.Models.Persona; name != "" {
			meta.Persona = name
			if p, ok := personas.Resolve(name); ok && p.Model != "" {
				meta.Model.Model = p.Model
			}
		}
		return meta
	}
}

func newPublisher(cfg config.Config, logger *slog.Logger) relay.Publisher {
	if p := relay.NewWebhookPublisher(cfg.Relay.WebhookURL, cfg.Relay.WebhookTimeout.Std()); p != nil {
		return p
	}
	return relay.LogPublisher{Logger: logger.With("component", "publisher")}
}

func skipSet(types []string) map[ipc.Type]bool {
	if len(types) == 0 {
		return nil
	}
	out := make(map[ipc.Type]bool, len(types))
	for _, t := range types {
		out[ipc.Type(t)] = true
	}
	return out
}
