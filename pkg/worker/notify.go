package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Notifier raises a best-effort alert outside the IPC channel. It is used
// when the orchestrator is gone and nobody else will hear about the worker.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

// Notify does nothing.
func (NoopNotifier) Notify(context.Context, string, string) error { return nil }

// DesktopNotifier shows a local desktop notification through notify-send on
// Linux or osascript on macOS.
type DesktopNotifier struct {
	// Run executes the notification command. Defaults to exec.CommandContext.
	Run func(ctx context.Context, name string, args ...string) error
}

// Notify implements Notifier.
func (d DesktopNotifier) Notify(ctx context.Context, title, message string) error {
	run := d.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run() //nolint:gosec // fixed binaries
		}
	}
	var err error
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		err = run(ctx, "osascript", "-e", script)
	default:
		err = run(ctx, "notify-send", "--app-name=skein", title, message)
	}
	if err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

const userAgent = "skein-worker/1"

// NtfyNotifier posts to an ntfy topic URL.
type NtfyNotifier struct {
	Endpoint string
	Client   *http.Client
}

// NewNtfyNotifier returns a notifier for topic, or nil when topic is empty.
func NewNtfyNotifier(topic string, timeout time.Duration) *NtfyNotifier {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NtfyNotifier{Endpoint: topic, Client: &http.Client{Timeout: timeout}}
}

// Notify implements Notifier.
func (n *NtfyNotifier) Notify(ctx context.Context, title, message string) error {
	if n == nil || n.Client == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", title)
	req.Header.Set("Tags", "skein,worker,orphan")
	req.Header.Set("Priority", "high")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy notification failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// MultiNotifier fans a notification out to every non-nil notifier and
// joins their errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
