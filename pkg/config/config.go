// Package config loads skein's on-disk configuration: config.toml for the
// orchestrator and its workers, personas.yaml for named system prompts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that reads TOML strings such as "5s" or "30m".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the parsed contents of config.toml. Zero values mean "use the
// default"; call Load or WithDefaults to fill them in.
type Config struct {
	LogLevel string       `toml:"log_level"`
	Workers  WorkerConfig `toml:"workers"`
	Relay    RelayConfig  `toml:"relay"`
	Models   ModelConfig  `toml:"models"`
	Notify   NotifyConfig `toml:"notify"`
}

// WorkerConfig controls how worker processes are spawned and supervised.
type WorkerConfig struct {
	Binary        string   `toml:"binary"`         // defaults to the running executable
	ClaudeBinary  string   `toml:"claude_binary"`  // coding-agent CLI (default "claude")
	InitTimeout   Duration `toml:"init_timeout"`   // default 15s
	CloseTimeout  Duration `toml:"close_timeout"`  // default 3s
	EvictAfter    Duration `toml:"evict_after"`    // default 10s
	TermAfter     Duration `toml:"term_after"`     // default 4s
	KillAfter     Duration `toml:"kill_after"`     // default 7s
	OrphanPoll    Duration `toml:"orphan_poll"`    // default 5s
	OrphanTimeout Duration `toml:"orphan_timeout"` // default 30m
}

// RelayConfig controls the inbox router and outbox flusher loops.
type RelayConfig struct {
	PollInterval   Duration `toml:"poll_interval"` // default 1s
	BatchSize      int      `toml:"batch_size"`    // default 50
	WebhookURL     string   `toml:"webhook_url"`   // empty: log publisher
	WebhookTimeout Duration `toml:"webhook_timeout"`
	RetryBase      Duration `toml:"retry_base"` // default 1s
	RetryMax       Duration `toml:"retry_max"`  // default 5m
	MaxRetries     int      `toml:"max_retries"`
	SkipEvents     []string `toml:"skip_events"` // worker message types kept out of the outbox
}

// ModelConfig is the default model selection and the allowlist enforced by
// the catalog.
type ModelConfig struct {
	Provider  string   `toml:"provider"` // anthropic, openai
	Model     string   `toml:"model"`
	MaxTokens int64    `toml:"max_tokens"`
	Persona   string   `toml:"persona"` // persona name or prompt for new sessions
	Allowed   []string `toml:"allowed"`
}

// NotifyConfig selects where orphaned workers raise alerts.
type NotifyConfig struct {
	Desktop     bool     `toml:"desktop"`
	NtfyTopic   string   `toml:"ntfy_topic"` // full topic URL
	NtfyTimeout Duration `toml:"ntfy_timeout"`
}

// WithDefaults returns a copy with every unset field filled in.
func (c Config) WithDefaults() Config {
	out := c
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	w := &out.Workers
	if w.ClaudeBinary == "" {
		w.ClaudeBinary = "claude"
	}
	setDuration(&w.InitTimeout, 15*time.Second)
	setDuration(&w.CloseTimeout, 3*time.Second)
	setDuration(&w.EvictAfter, 10*time.Second)
	setDuration(&w.TermAfter, 4*time.Second)
	setDuration(&w.KillAfter, 7*time.Second)
	setDuration(&w.OrphanPoll, 5*time.Second)
	setDuration(&w.OrphanTimeout, 30*time.Minute)

	r := &out.Relay
	setDuration(&r.PollInterval, time.Second)
	setDuration(&r.WebhookTimeout, 10*time.Second)
	setDuration(&r.RetryBase, time.Second)
	setDuration(&r.RetryMax, 5*time.Minute)
	if r.BatchSize == 0 {
		r.BatchSize = 50
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 10
	}

	m := &out.Models
	if m.Provider == "" {
		m.Provider = "anthropic"
	}
	if m.Model == "" {
		m.Model = "claude-sonnet-4-5"
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 4096
	}

	setDuration(&out.Notify.NtfyTimeout, 10*time.Second)
	return out
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// Load reads config.toml at path. A missing file yields the defaults; unknown
// keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths
	if errors.Is(err, os.ErrNotExist) {
		return Config{}.WithDefaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML bytes and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("unknown keys: %s", strict.String())
		}
		return Config{}, fmt.Errorf("parse toml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	switch c.Models.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("models.provider %q: want anthropic or openai", c.Models.Provider)
	}
	if c.Workers.KillAfter != 0 && c.Workers.TermAfter != 0 && c.Workers.KillAfter <= c.Workers.TermAfter {
		return errors.New("workers.kill_after must be later than workers.term_after")
	}
	return nil
}

// Encode renders cfg as TOML. Used by `skein config init`.
func Encode(cfg Config) ([]byte, error) {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}
