package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is the default state directory name under the user's home.
const Dir = ".skein"

// Paths holds all resolved skein state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home         string // ~/.skein or SKEIN_HOME
	ConfigPath   string // config.toml or SKEIN_CONFIG
	PersonasPath string // personas.yaml
	DBPath       string // skein.db or SKEIN_DB_PATH
	PIDPath      string // skein.pid
	LockPath     string // skein.lock
	LogDir       string // logs/, one subdirectory per session
	WorkspaceDir string // workspaces/, default per-session working trees
}

// ResolvePaths returns all skein paths, respecting env var overrides.
// Environment variables:
//   - SKEIN_HOME: base directory for all skein state (default: ~/.skein)
//   - SKEIN_CONFIG: config file (default: $SKEIN_HOME/config.toml)
//   - SKEIN_DB_PATH: durable store (default: $SKEIN_HOME/skein.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:         home,
		ConfigPath:   resolvePathWithEnv("SKEIN_CONFIG", home, "config.toml"),
		PersonasPath: filepath.Join(home, "personas.yaml"),
		DBPath:       resolvePathWithEnv("SKEIN_DB_PATH", home, "skein.db"),
		PIDPath:      filepath.Join(home, "skein.pid"),
		LockPath:     filepath.Join(home, "skein.lock"),
		LogDir:       filepath.Join(home, "logs"),
		WorkspaceDir: filepath.Join(home, "workspaces"),
	}, nil
}

// Ensure creates the state directories.
func (p *Paths) Ensure() error {
	for _, dir := range []string{p.Home, p.LogDir, p.WorkspaceDir, filepath.Dir(p.DBPath)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SessionWorkspace is the default working directory for a session.
func (p *Paths) SessionWorkspace(sessionID string) string {
	return filepath.Join(p.WorkspaceDir, sessionID)
}

func resolveHome() (string, error) {
	if v := os.Getenv("SKEIN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, Dir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
