package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"skein/pkg/catalog"
	"skein/pkg/ipc"
)

// Request is one task handed to a backend.
type Request struct {
	SessionID    string
	TaskID       string
	Prompt       string
	System       string // resolved persona text, may be empty
	Model        string // per-task override, may be empty
	WorkspaceDir string

	// Emit forwards intermediate output (StreamText, ToolStart, ToolEnd,
	// Progress, Question) to the orchestrator. It never blocks on the peer.
	Emit func(ipc.Message)
}

// Result is a backend's final answer for one task.
type Result struct {
	Output string
}

// Backend executes tasks for one session. A backend keeps whatever
// conversation state it needs between tasks; Run is never called
// concurrently on the same backend. Cancelling ctx is the abort hook.
type Backend interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Steerer is implemented by backends that accept guidance mid-task.
type Steerer interface {
	Steer(text string) bool
}

// Answerer is implemented by backends whose tools can block on a user
// answer. Answer reports false when no tool is waiting on toolCallID.
type Answerer interface {
	Answer(toolCallID, answer string) bool
}

// Activity is implemented by backends whose work can outlive Run, such as a
// subprocess still shutting down. The orphan watcher waits on it.
type Activity interface {
	Active() bool
}

// Factory builds the backend for a freshly initialized session.
type Factory func(ctx context.Context, init ipc.Init) (Backend, error)

// ErrModelNotAllowed is returned when a session asks for a model outside
// the configured allowlist.
var ErrModelNotAllowed = errors.New("model not allowed")

// Selector chooses a backend from the session kind: chat sessions talk to a
// completion API directly, bot sessions drive the coding-agent CLI.
type Selector struct {
	Catalog      *catalog.Catalog
	ClaudeBinary string // name or path, resolved through Catalog
	Logger       *slog.Logger

	// Overridable for tests.
	NewAnthropic func(cfg ipc.ModelConfig) Backend
	NewOpenAI    func(cfg ipc.ModelConfig) Backend
}

// Select implements Factory.
func (s *Selector) Select(_ context.Context, init ipc.Init) (Backend, error) {
	cat := s.Catalog
	if cat == nil {
		cat = catalog.New(catalog.Options{Logger: s.Logger})
	}
	if !cat.ModelAllowed(init.ModelConfig.Model) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, init.ModelConfig.Model)
	}

	if init.SessionType == ipc.SessionBot || init.ModelConfig.Provider == "claude-code" {
		name := s.ClaudeBinary
		if name == "" {
			name = "claude"
		}
		bin, err := cat.LookPath(name)
		if err != nil {
			return nil, fmt.Errorf("select bot backend: %w", err)
		}
		return &ClaudeCode{Binary: bin, Model: init.ModelConfig.Model, Logger: s.Logger}, nil
	}

	switch init.ModelConfig.Provider {
	case "openai":
		if s.NewOpenAI != nil {
			return s.NewOpenAI(init.ModelConfig), nil
		}
		return NewOpenAIChat(init.ModelConfig), nil
	case "", "anthropic":
		if s.NewAnthropic != nil {
			return s.NewAnthropic(init.ModelConfig), nil
		}
		return NewAnthropicChat(init.ModelConfig), nil
	default:
		return nil, fmt.Errorf("select chat backend: unknown provider %q", init.ModelConfig.Provider)
	}
}
