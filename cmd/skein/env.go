package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"skein/pkg/config"
	"skein/pkg/store"
)

// env is the resolved state every subcommand starts from.
type env struct {
	paths *config.Paths
	cfg   config.Config
}

// loadEnv resolves paths, creates the state directories and loads
// config.toml with defaults applied.
func loadEnv() (*env, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &env{paths: paths, cfg: cfg}, nil
}

// openStore opens the durable store with the configured outbox retry policy.
func (e *env) openStore() (*store.Store, error) {
	s, err := store.Open(e.paths.DBPath)
	if err != nil {
		return nil, err
	}
	s.SetRetryPolicy(store.RetryPolicy{
		Base:       e.cfg.Relay.RetryBase.Std(),
		Max:        e.cfg.Relay.RetryMax.Std(),
		MaxRetries: e.cfg.Relay.MaxRetries,
	})
	return s, nil
}

// childEnv pins a worker to the same state files as its parent even when
// the parent's paths came from defaults rather than the environment.
func (e *env) childEnv() []string {
	return []string{
		"SKEIN_HOME=" + e.paths.Home,
		"SKEIN_CONFIG=" + e.paths.ConfigPath,
		"SKEIN_DB_PATH=" + e.paths.DBPath,
	}
}

// newLogger builds the process logger. Workers log JSON because their
// stderr is collected into per-session log files; everything else logs
// text.
func newLogger(w io.Writer, level string, jsonFormat bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// level picks the --log-level flag over config.
func (g *globalFlags) level(cfg config.Config) string {
	if g != nil && g.logLevel != "" {
		return g.logLevel
	}
	return cfg.LogLevel
}

// stderrLogger is newLogger on stderr.
func stderrLogger(flags *globalFlags, cfg config.Config, jsonFormat bool) (*slog.Logger, error) {
	return newLogger(os.Stderr, flags.level(cfg), jsonFormat)
}
