package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"skein/pkg/store"
)

// Publisher delivers one outbox row to the outside world. A non-nil error
// counts as a failed attempt and the row is retried later.
type Publisher interface {
	Publish(ctx context.Context, row store.OutboxRow) error
}

// LogPublisher writes rows to a logger. It is used when no webhook is
// configured so that events are at least visible.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(_ context.Context, row store.OutboxRow) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbox event",
		"id", row.ID,
		"type", row.EventType,
		"session", row.SessionID,
		"payload", row.Payload,
	)
	return nil
}

const userAgent = "skein/1.0"

// WebhookPublisher POSTs each row's JSON payload to a URL. Routing metadata
// travels in headers so receivers can filter without parsing the body; ntfy
// topics accept the same request and show the event type as the title.
type WebhookPublisher struct {
	URL    string
	Client *http.Client
}

// NewWebhookPublisher returns a publisher for url, or nil when url is empty.
func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Publish implements Publisher.
func (p *WebhookPublisher) Publish(ctx context.Context, row store.OutboxRow) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, strings.NewReader(row.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Title", row.EventType)
	req.Header.Set("Tags", "skein,"+row.EventType)
	req.Header.Set("Priority", webhookPriority(row.EventType))
	req.Header.Set("X-Skein-Event", row.EventType)
	req.Header.Set("X-Skein-Outbox-Id", strconv.FormatInt(row.ID, 10))
	if row.SessionID != "" {
		req.Header.Set("X-Skein-Session", row.SessionID)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook rejected event %d: %s: %s", row.ID, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// webhookPriority raises failures above routine traffic.
func webhookPriority(eventType string) string {
	switch eventType {
	case EventWorkerExited, EventRouteFailed, "error":
		return "high"
	case "stream_text", "progress", "tool_start", "tool_end":
		return "min"
	default:
		return "default"
	}
}
