package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"skein/pkg/catalog"
	"skein/pkg/config"
	"skein/pkg/ipc"
	"skein/pkg/worker"
)

// newWorkerCmd creates the hidden "skein worker" subcommand. serve spawns it
// once per session with the IPC channel on stdin/stdout.
func newWorkerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a session worker on stdin/stdout (spawned by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			logger, err := stderrLogger(flags, e.cfg, true)
			if err != nil {
				return err
			}
			logger = logger.With("pid", os.Getpid())
			code := runWorkerProcess(cmd.Context(), e, logger)
			os.Exit(code)
			return nil
		},
	}
}

// runWorkerProcess wires a worker to this process's stdio and returns its
// exit code.
func runWorkerProcess(ctx context.Context, e *env, logger *slog.Logger) int {
	// Writes to a vanished parent must fail with EPIPE instead of killing
	// the process, or orphaned work could never drain.
	signal.Ignore(syscall.SIGPIPE)

	personas, err := config.LoadPersonas(e.paths.PersonasPath)
	if err != nil {
		logger.Warn("personas unavailable", "error", err)
		personas = config.Personas{}
	}

	cfgPath := e.paths.ConfigPath
	cat := catalog.New(catalog.Options{
		Logger: logger.With("component", "catalog"),
		Allowlist: func() ([]string, error) {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return nil, err
			}
			return cfg.Models.Allowed, nil
		},
	})
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := cat.Watch(watchCtx, cfgPath); err != nil {
			logger.Debug("config watch disabled", "error", err)
		}
	}()

	sel := &worker.Selector{
		Catalog:      cat,
		ClaudeBinary: e.cfg.Workers.ClaudeBinary,
		Logger:       logger.With("component", "backend"),
	}
	cfg := worker.Config{
		Backends: sel.Select,
		Notifier: newNotifier(e.cfg, logger),
		Persona: func(name string) string {
			p, _ := personas.Resolve(name)
			return p.Prompt
		},
		Logger:        logger,
		OrphanPoll:    e.cfg.Workers.OrphanPoll.Std(),
		OrphanTimeout: e.cfg.Workers.OrphanTimeout.Std(),
	}
	if s, err := e.openStore(); err != nil {
		logger.Warn("audit store unavailable", "error", err)
	} else {
		defer func() { _ = s.Close() }()
		cfg.Audit = s
	}

	ch := ipc.NewChannel(os.Stdin, os.Stdout, logger)
	w := worker.New(ch, cfg)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				logger.Info("signal received", "signal", sig.String())
				if sig == syscall.SIGINT {
					w.Interrupt()
				} else {
					w.Terminate()
				}
			case <-w.Done():
				return
			}
		}
	}()

	code := w.Run(ctx)
	logger.Info("worker exiting", "code", code)
	return code
}

func newNotifier(cfg config.Config, logger *slog.Logger) worker.Notifier {
	var multi worker.MultiNotifier
	if cfg.Notify.Desktop {
		multi = append(multi, worker.DesktopNotifier{})
	}
	if n := worker.NewNtfyNotifier(cfg.Notify.NtfyTopic, cfg.Notify.NtfyTimeout.Std()); n != nil {
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return worker.NoopNotifier{}
	}
	logger.Debug("orphan notifications enabled", "targets", len(multi))
	return multi
}
