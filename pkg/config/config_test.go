package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolvePaths_Defaults(t *testing.T) {
	t.Setenv("SKEIN_HOME", "")
	t.Setenv("SKEIN_CONFIG", "")
	t.Setenv("SKEIN_DB_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	base := filepath.Join(home, Dir)
	if paths.Home != base {
		t.Errorf("Home = %q, want %q", paths.Home, base)
	}
	if want := filepath.Join(base, "config.toml"); paths.ConfigPath != want {
		t.Errorf("ConfigPath = %q, want %q", paths.ConfigPath, want)
	}
	if want := filepath.Join(base, "skein.db"); paths.DBPath != want {
		t.Errorf("DBPath = %q, want %q", paths.DBPath, want)
	}
	if want := filepath.Join(base, "workspaces", "s1"); paths.SessionWorkspace("s1") != want {
		t.Errorf("SessionWorkspace = %q, want %q", paths.SessionWorkspace("s1"), want)
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SKEIN_HOME", filepath.Join(tmp, "home"))
	t.Setenv("SKEIN_CONFIG", filepath.Join(tmp, "custom.toml"))
	t.Setenv("SKEIN_DB_PATH", filepath.Join(tmp, "db", "custom.db"))

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.Home != filepath.Join(tmp, "home") {
		t.Errorf("Home = %q", paths.Home)
	}
	if paths.ConfigPath != filepath.Join(tmp, "custom.toml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
	if paths.DBPath != filepath.Join(tmp, "db", "custom.db") {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
	// Paths without their own override still follow SKEIN_HOME.
	if paths.PIDPath != filepath.Join(tmp, "home", "skein.pid") {
		t.Errorf("PIDPath = %q", paths.PIDPath)
	}

	if err := paths.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, dir := range []string{paths.Home, paths.LogDir, paths.WorkspaceDir, filepath.Join(tmp, "db")} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers.InitTimeout.Std() != 15*time.Second {
		t.Errorf("InitTimeout = %v", cfg.Workers.InitTimeout.Std())
	}
	if cfg.Workers.TermAfter.Std() != 4*time.Second || cfg.Workers.KillAfter.Std() != 7*time.Second {
		t.Errorf("escalation = %v/%v", cfg.Workers.TermAfter.Std(), cfg.Workers.KillAfter.Std())
	}
	if cfg.Workers.OrphanTimeout.Std() != 30*time.Minute {
		t.Errorf("OrphanTimeout = %v", cfg.Workers.OrphanTimeout.Std())
	}
	if cfg.Relay.MaxRetries != 10 || cfg.Relay.RetryMax.Std() != 5*time.Minute {
		t.Errorf("relay retry = %d/%v", cfg.Relay.MaxRetries, cfg.Relay.RetryMax.Std())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestParse_OverridesAndDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(`
log_level = "debug"

[workers]
init_timeout = "20s"
claude_binary = "/opt/bin/claude"

[relay]
webhook_url = "https://example.invalid/hook"
max_retries = 3

[models]
provider = "openai"
model = "gpt-4o-mini"
allowed = ["gpt-4o-mini", "gpt-4o"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Workers.InitTimeout.Std() != 20*time.Second {
		t.Errorf("InitTimeout = %v", cfg.Workers.InitTimeout.Std())
	}
	if cfg.Workers.CloseTimeout.Std() != 3*time.Second {
		t.Errorf("CloseTimeout default lost: %v", cfg.Workers.CloseTimeout.Std())
	}
	if cfg.Workers.ClaudeBinary != "/opt/bin/claude" {
		t.Errorf("ClaudeBinary = %q", cfg.Workers.ClaudeBinary)
	}
	if cfg.Relay.MaxRetries != 3 || cfg.Relay.BatchSize != 50 {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Models.Provider != "openai" || len(cfg.Models.Allowed) != 2 {
		t.Errorf("models = %+v", cfg.Models)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unknown key", "[workers]\ninit_timeot = \"1s\"\n", "unknown keys"},
		{"bad duration", "[workers]\ninit_timeout = \"soon\"\n", "duration"},
		{"bad level", "log_level = \"loud\"\n", "log_level"},
		{"bad provider", "[models]\nprovider = \"palm\"\n", "models.provider"},
		{"kill before term", "[workers]\nterm_after = \"5s\"\nkill_after = \"2s\"\n", "kill_after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.in))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEncode_RoundTripsThroughParse(t *testing.T) {
	t.Parallel()
	in := Config{}.WithDefaults()
	in.Models.Allowed = []string{"claude-sonnet-4-5"}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse(Encode()): %v\n%s", err, b)
	}
	if out.Workers.KillAfter != in.Workers.KillAfter || out.Models.Allowed[0] != "claude-sonnet-4-5" {
		t.Errorf("round trip changed config:\n%s", b)
	}
}

func TestPersonas(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "personas.yaml")
	if err := os.WriteFile(path, []byte(`
personas:
  reviewer:
    prompt: You review Go code.
    model: claude-opus-4-1
  terse:
    prompt: Answer in one line.
`), 0o600); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadPersonas(path)
	if err != nil {
		t.Fatalf("LoadPersonas: %v", err)
	}
	if got := ps.Names(); len(got) != 2 || got[0] != "reviewer" || got[1] != "terse" {
		t.Fatalf("Names = %v", got)
	}
	p, ok := ps.Resolve("reviewer")
	if !ok || p.Model != "claude-opus-4-1" || p.Name != "reviewer" {
		t.Errorf("Resolve(reviewer) = %+v, %v", p, ok)
	}
	p, ok = ps.Resolve("Be brief.")
	if ok || p.Prompt != "Be brief." {
		t.Errorf("Resolve(ad-hoc) = %+v, %v", p, ok)
	}

	empty, err := LoadPersonas(filepath.Join(dir, "none.yaml"))
	if err != nil || len(empty) != 0 {
		t.Errorf("missing personas file = %v, %v", empty, err)
	}
	if _, err := ParsePersonas([]byte("personas:\n  blank:\n    model: x\n")); err == nil {
		t.Error("persona without prompt accepted")
	}
}
