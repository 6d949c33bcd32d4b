// Package relay connects the durable store to the session manager: inbound
// events are routed from the inbox into session queues, and everything the
// manager observes is written to the outbox and flushed to a publisher.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skein/pkg/clock"
	"skein/pkg/ipc"
	"skein/pkg/session"
	"skein/pkg/store"
)

// Inbox control values.
const (
	ControlCancel = "cancel"
	ControlClose  = "close"
	ControlStatus = "status"
)

// Outbox event types written by the relay itself.
const (
	EventRouteFailed    = "route_failed"
	EventControlIgnored = "control_ignored"
)

const (
	defaultPollInterval    = time.Second
	defaultBatchSize       = 50
	defaultMaxInitAttempts = 3
)

// InboxStore is the part of the store the router uses.
type InboxStore interface {
	UnprocessedInbox(ctx context.Context, limit int) ([]store.InboxRecord, error)
	MarkProcessed(ctx context.Context, eventID string) error
	AppendMessage(ctx context.Context, msg store.SessionMessage) (int64, error)
	EnqueueOutbox(ctx context.Context, eventType, payload, sessionID string) (int64, error)
}

// Sessions is the part of the session manager the router drives.
type Sessions interface {
	GetOrCreate(ctx context.Context, sessionID string, meta session.Meta) (*session.Actor, error)
	Enqueue(sessionID string, item session.WorkItem) bool
}

// MetaFunc builds the metadata for a session created by an inbox event.
type MetaFunc func(rec store.InboxRecord) session.Meta

// DefaultMeta names the session after the event and keeps its type.
func DefaultMeta(rec store.InboxRecord) session.Meta {
	typ := ipc.SessionType(rec.SessionType)
	if typ == "" {
		typ = ipc.SessionChat
	}
	return session.Meta{Name: rec.SessionName, Type: typ}
}

// Router moves unprocessed inbox rows into session queues. Rows are routed
// in arrival order within a session; different sessions are routed
// concurrently so one slow worker start does not hold up the rest.
//
// A row is marked processed only after its work item was accepted, so a
// crash between the two re-delivers the event on restart.
type Router struct {
	Store    InboxStore
	Sessions Sessions
	Meta     MetaFunc
	Clock    clock.Clock
	Logger   *slog.Logger

	PollInterval time.Duration
	BatchSize    int
	// MaxInitAttempts is how many polls a user message may fail to start
	// its session before it is given up and reported as route_failed.
	MaxInitAttempts int

	failures *attemptCounter
}

func (r *Router) withDefaults() {
	if r.Meta == nil {
		r.Meta = DefaultMeta
	}
	if r.Clock == nil {
		r.Clock = clock.Real()
	}
	if r.Logger == nil {
		r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.PollInterval <= 0 {
		r.PollInterval = defaultPollInterval
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultBatchSize
	}
	if r.MaxInitAttempts <= 0 {
		r.MaxInitAttempts = defaultMaxInitAttempts
	}
	if r.failures == nil {
		r.failures = newAttemptCounter()
	}
}

// Run polls until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.withDefaults()
	ticker := r.Clock.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Error("route inbox", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Poll routes one batch and returns how many rows were marked processed.
func (r *Router) Poll(ctx context.Context) (int, error) {
	r.withDefaults()
	rows, err := r.Store.UnprocessedInbox(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var order []string
	bySession := map[string][]store.InboxRecord{}
	for _, rec := range rows {
		if _, ok := bySession[rec.SessionID]; !ok {
			order = append(order, rec.SessionID)
		}
		bySession[rec.SessionID] = append(bySession[rec.SessionID], rec)
	}

	counts := make([]int, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range order {
		g.Go(func() error {
			n, err := r.routeSession(gctx, bySession[id])
			counts[i] = n
			return err
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// routeSession handles one session's rows in order, stopping at the first
// row that has to be retried.
func (r *Router) routeSession(ctx context.Context, rows []store.InboxRecord) (int, error) {
	done := 0
	for _, rec := range rows {
		ok, err := r.route(ctx, rec)
		if err != nil {
			return done, err
		}
		if !ok {
			return done, nil
		}
		if err := r.Store.MarkProcessed(ctx, rec.EventID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// route hands rec to the manager. It reports false when the row should stay
// unprocessed for the next poll.
func (r *Router) route(ctx context.Context, rec store.InboxRecord) (bool, error) {
	logger := r.Logger.With("session", rec.SessionID, "event", rec.EventID)

	if err := ipc.ValidateSessionID(rec.SessionID); err != nil {
		logger.Error("rejecting inbox event", "error", err)
		return true, r.report(ctx, EventRouteFailed, rec, err.Error())
	}

	var item session.WorkItem
	switch rec.Control {
	case "":
		return r.routeMessage(ctx, rec, logger)
	case ControlCancel:
		item = session.Cancel{}
	case ControlClose:
		reason := rec.Content
		if reason == "" {
			reason = "closed by " + orDefault(rec.Sender, "user")
		}
		item = session.CloseSession{Reason: reason}
	case ControlStatus:
		item = session.StatusRequest{}
	default:
		logger.Warn("unknown inbox control", "control", rec.Control)
		return true, r.report(ctx, EventControlIgnored, rec, "unknown control")
	}

	if !r.Sessions.Enqueue(rec.SessionID, item) {
		logger.Info("control for session without actor", "control", rec.Control)
		return true, r.report(ctx, EventControlIgnored, rec, "no live session")
	}
	logger.Debug("control routed", "control", rec.Control)
	return true, nil
}

func (r *Router) routeMessage(ctx context.Context, rec store.InboxRecord, logger *slog.Logger) (bool, error) {
	if _, err := r.Sessions.GetOrCreate(ctx, rec.SessionID, r.Meta(rec)); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return r.initFailed(ctx, rec, err, logger)
	}
	if !r.Sessions.Enqueue(rec.SessionID, session.UserMessage{Content: rec.Content, EventID: rec.EventID}) {
		return r.initFailed(ctx, rec, session.ErrUnknownSession, logger)
	}
	r.failures.clear(rec.EventID)

	if _, err := r.Store.AppendMessage(ctx, store.SessionMessage{
		SessionID: rec.SessionID,
		Sender:    orDefault(rec.Sender, "user"),
		Content:   rec.Content,
		EventID:   rec.EventID,
	}); err != nil {
		logger.Error("append user message", "error", err)
	}
	logger.Debug("message routed")
	return true, nil
}

// initFailed counts a failed session start for rec. Below the attempt limit
// the row is left for the next poll; at the limit it is reported and
// consumed.
func (r *Router) initFailed(ctx context.Context, rec store.InboxRecord, cause error, logger *slog.Logger) (bool, error) {
	n := r.failures.add(rec.EventID)
	if n < r.MaxInitAttempts {
		logger.Warn("session start failed, will retry", "attempt", n, "error", cause)
		return false, nil
	}
	r.failures.clear(rec.EventID)
	logger.Error("giving up on inbox event", "attempts", n, "error", cause)

	payload, err := json.Marshal(routeReport{
		EventID:   rec.EventID,
		SessionID: rec.SessionID,
		Attempts:  n,
		Error:     cause.Error(),
	})
	if err != nil {
		return false, fmt.Errorf("encode route failure: %w", err)
	}
	if _, err := r.Store.EnqueueOutbox(ctx, EventRouteFailed, string(payload), rec.SessionID); err != nil {
		return false, err
	}
	return true, nil
}

// report consumes rec with an outbox event explaining why it was not routed.
func (r *Router) report(ctx context.Context, eventType string, rec store.InboxRecord, reason string) error {
	payload, err := json.Marshal(routeReport{
		EventID:   rec.EventID,
		SessionID: rec.SessionID,
		Control:   rec.Control,
		Error:     reason,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	_, err = r.Store.EnqueueOutbox(ctx, eventType, string(payload), rec.SessionID)
	return err
}

type routeReport struct {
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId"`
	Control   string `json:"control,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error"`
}

// attemptCounter tracks failed routing attempts per event id. Counts are
// kept in memory only, so a restart gives every event a fresh budget.
type attemptCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func newAttemptCounter() *attemptCounter {
	return &attemptCounter{n: map[string]int{}}
}

func (c *attemptCounter) add(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[id]++
	return c.n[id]
}

func (c *attemptCounter) clear(id string) {
	c.mu.Lock()
	delete(c.n, id)
	c.mu.Unlock()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
