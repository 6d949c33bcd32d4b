package worker_test

import (
	"context"
	"errors"
	"testing"

	"skein/pkg/catalog"
	"skein/pkg/ipc"
	"skein/pkg/worker"
)

func TestSelector(t *testing.T) {
	t.Parallel()
	stubChat := &fakeBackend{}
	cat := catalog.New(catalog.Options{
		LookPath: func(name string) (string, error) {
			if name == "claude" {
				return "/opt/claude/bin/claude", nil
			}
			return "", errors.New("not found")
		},
		Allowlist: func() ([]string, error) { return []string{"claude-sonnet-4-5", "gpt-4o"}, nil },
	})
	sel := &worker.Selector{
		Catalog:      cat,
		NewAnthropic: func(ipc.ModelConfig) worker.Backend { return stubChat },
		NewOpenAI:    func(ipc.ModelConfig) worker.Backend { return stubChat },
	}

	tests := []struct {
		name    string
		init    ipc.Init
		check   func(t *testing.T, b worker.Backend)
		wantErr error
	}{
		{
			name: "bot uses claude code",
			init: ipc.Init{SessionType: ipc.SessionBot, ModelConfig: ipc.ModelConfig{Model: "claude-sonnet-4-5"}},
			check: func(t *testing.T, b worker.Backend) {
				cc, ok := b.(*worker.ClaudeCode)
				if !ok || cc.Binary != "/opt/claude/bin/claude" || cc.Model != "claude-sonnet-4-5" {
					t.Fatalf("backend = %#v", b)
				}
			},
		},
		{
			name:  "chat defaults to anthropic",
			init:  ipc.Init{SessionType: ipc.SessionChat},
			check: func(t *testing.T, b worker.Backend) { sameBackend(t, b, stubChat) },
		},
		{
			name:  "chat with openai provider",
			init:  ipc.Init{SessionType: ipc.SessionChat, ModelConfig: ipc.ModelConfig{Provider: "openai", Model: "gpt-4o"}},
			check: func(t *testing.T, b worker.Backend) { sameBackend(t, b, stubChat) },
		},
		{
			name:    "model outside allowlist",
			init:    ipc.Init{SessionType: ipc.SessionChat, ModelConfig: ipc.ModelConfig{Model: "gpt-2"}},
			wantErr: worker.ErrModelNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := sel.Select(context.Background(), tt.init)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			tt.check(t, b)
		})
	}
}

func TestSelector_Failures(t *testing.T) {
	t.Parallel()
	sel := &worker.Selector{
		Catalog:      catalog.New(catalog.Options{LookPath: func(string) (string, error) { return "", errors.New("not found") }}),
		ClaudeBinary: "claude-nightly",
	}
	if _, err := sel.Select(context.Background(), ipc.Init{SessionType: ipc.SessionBot}); err == nil {
		t.Fatal("missing claude binary accepted")
	}
	if _, err := sel.Select(context.Background(), ipc.Init{ModelConfig: ipc.ModelConfig{Provider: "palm"}}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func sameBackend(t *testing.T, got, want worker.Backend) {
	t.Helper()
	if got != want {
		t.Fatalf("backend = %#v, want %#v", got, want)
	}
}
