package worker

import (
	"context"
	"fmt"
	"time"

	"skein/pkg/store"
)

// notifyTimeout bounds the best-effort orphan notification.
const notifyTimeout = 5 * time.Second

// watchOrphan reacts to the inbound stream closing. It runs beside the
// receive loop so a slow handler cannot delay it.
func (w *Worker) watchOrphan(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.done:
		return
	case <-w.ch.Closed():
	}

	// Messages queued ahead of end-of-stream (a final Close, say) still count.
	select {
	case <-w.recvDone:
	case <-time.After(drainGrace):
	case <-w.done:
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	if !w.busy() {
		w.logger.Info("worker: inbound stream closed with nothing in flight, exiting")
		w.exit(ExitFailure)
		return
	}
	w.drainOrphaned(ctx)
}

// drainOrphaned keeps in-flight work running after the orchestrator is gone,
// polling until it finishes or the deadline passes.
func (w *Worker) drainOrphaned(ctx context.Context) {
	w.mu.Lock()
	w.orphaned = true
	sid, taskID := w.sessionAndTaskLocked()
	w.mu.Unlock()

	timeout := w.cfg.OrphanTimeout
	w.logger.Warn("worker: orchestrator gone, draining in-flight work",
		"session", sid, "task", taskID, "timeout", timeout)
	w.audit(ctx, store.AuditOrphaned, sid, taskID,
		fmt.Sprintf("inbound stream closed mid-task; waiting up to %s", timeout))

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	err := w.cfg.Notifier.Notify(nctx, "skein worker orphaned",
		fmt.Sprintf("Session %s lost its orchestrator while task %s was running. Waiting up to %s for it to finish.", sid, taskID, timeout))
	cancel()
	if err != nil {
		w.logger.Debug("worker: orphan notification failed", "err", err)
	}

	ticker := w.cfg.Clock.NewTicker(w.cfg.OrphanPoll)
	defer ticker.Stop()
	deadline := w.cfg.Clock.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C():
			if w.busy() {
				continue
			}
			w.mu.Lock()
			last := w.last
			w.mu.Unlock()
			w.logger.Info("worker: orphaned work finished", "session", sid, "outcome", last)
			w.audit(ctx, store.AuditOrphanDrained, sid, taskID, last)
			w.exit(ExitOK)
			return
		case <-deadline:
			w.logger.Error("worker: orphaned work exceeded deadline", "session", sid, "task", taskID, "timeout", timeout)
			w.audit(ctx, store.AuditOrphanTimeout, sid, taskID, fmt.Sprintf("still running after %s", timeout))
			w.abortTask()
			w.exit(ExitFailure)
			return
		}
	}
}

func (w *Worker) sessionAndTaskLocked() (string, string) {
	var sid, taskID string
	if w.init != nil {
		sid = w.init.SessionID
	}
	if w.task != nil {
		taskID = w.task.id
	}
	return sid, taskID
}

func (w *Worker) audit(ctx context.Context, kind, sid, taskID, detail string) {
	if w.cfg.Audit == nil {
		return
	}
	_, err := w.cfg.Audit.RecordAudit(ctx, store.AuditEntry{
		Kind:      kind,
		SessionID: sid,
		TaskID:    taskID,
		PID:       w.cfg.PID,
		Detail:    detail,
	})
	if err != nil {
		w.logger.Error("worker: write audit entry", "kind", kind, "err", err)
	}
}
