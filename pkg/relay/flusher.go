package relay

import (
	"context"
	"io"
	"log/slog"
	"time"

	"skein/pkg/clock"
	"skein/pkg/store"
)

// OutboxStore is the part of the store the flusher uses.
type OutboxStore interface {
	UnsentOutbox(ctx context.Context, limit int) ([]store.OutboxRow, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string) error
}

// Flusher delivers due outbox rows to a Publisher. When a row for a session
// fails, later rows of the same session are skipped for the rest of the
// batch, and UnsentOutbox keeps holding them back while the failed row waits
// out its retry delay or sits dead-lettered, so a receiver never sees a
// session's events out of order.
type Flusher struct {
	Store     OutboxStore
	Publisher Publisher
	Clock     clock.Clock
	Logger    *slog.Logger

	PollInterval time.Duration
	BatchSize    int
}

func (f *Flusher) withDefaults() {
	if f.Clock == nil {
		f.Clock = clock.Real()
	}
	if f.Logger == nil {
		f.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if f.Publisher == nil {
		f.Publisher = LogPublisher{Logger: f.Logger}
	}
	if f.PollInterval <= 0 {
		f.PollInterval = defaultPollInterval
	}
	if f.BatchSize <= 0 {
		f.BatchSize = defaultBatchSize
	}
}

// Run flushes until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) error {
	f.withDefaults()
	ticker := f.Clock.NewTicker(f.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			f.Logger.Error("flush outbox", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Flush publishes one batch and returns how many rows were sent.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.withDefaults()
	rows, err := f.Store.UnsentOutbox(ctx, f.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	blocked := map[string]bool{}
	for _, row := range rows {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if row.SessionID != "" && blocked[row.SessionID] {
			continue
		}
		if perr := f.Publisher.Publish(ctx, row); perr != nil {
			if row.SessionID != "" {
				blocked[row.SessionID] = true
			}
			f.Logger.Warn("publish outbox row failed",
				"id", row.ID, "type", row.EventType, "session", row.SessionID,
				"retries", row.Retries+1, "error", perr)
			if err := f.Store.MarkFailed(ctx, row.ID, perr.Error()); err != nil {
				return sent, err
			}
			continue
		}
		if err := f.Store.MarkSent(ctx, row.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
