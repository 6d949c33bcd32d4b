package main

import (
	"context"

	"skein/pkg/session"
	"skein/pkg/store"
)

// overview is a point-in-time summary of the orchestrator read from the
// database and the PID file. status prints it; dash renders it.
type overview struct {
	Daemon    DaemonStatusValue
	DaemonPID int

	Sessions []store.SessionRecord
	Stats    store.Stats
}

// Open is the number of sessions in any OPEN_* status.
func (o overview) Open() int {
	return o.Stats.SessionsByStatus[string(session.StatusIdle)] +
		o.Stats.SessionsByStatus[string(session.StatusRunning)] +
		o.Stats.SessionsByStatus[string(session.StatusWaitingUser)]
}

func (o overview) count(s session.Status) int { return o.Stats.SessionsByStatus[string(s)] }

// overviewReader is the read side of the store used by collectOverview.
type overviewReader interface {
	ListSessions(ctx context.Context, statusPrefix string, limit int) ([]store.SessionRecord, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// collectOverview reads the daemon state and store counts. Sessions holds
// open sessions only unless includeClosed is set.
func collectOverview(ctx context.Context, r overviewReader, pidPath string, includeClosed bool) (overview, error) {
	var ov overview
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return ov, err
	}
	ov.Daemon, ov.DaemonPID = status, pid

	prefix := "OPEN_"
	if includeClosed {
		prefix = ""
	}
	if ov.Sessions, err = r.ListSessions(ctx, prefix, 0); err != nil {
		return ov, err
	}
	if ov.Stats, err = r.Stats(ctx); err != nil {
		return ov, err
	}
	return ov, nil
}
