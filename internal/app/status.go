package app

import (
	"context"
	"time"

	"tickd/internal/notifier"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/storage"
	"tickd/internal/task/scheduler"
)

// Status is the body of the ops /status endpoint.
type Status struct {
	Instance      string              `json:"instance"`
	StartedAt     time.Time           `json:"started_at"`
	Uptime        string              `json:"uptime"`
	Scheduler     scheduler.Snapshot  `json:"scheduler"`
	Jobs          storage.JobCounts   `json:"jobs"`
	Today         storage.RunStats    `json:"today"`
	Notifier      *NotifierStatus     `json:"notifier,omitempty"`
	EventsDropped uint64              `json:"events_dropped"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}

type NotifierStatus struct {
	Sinks   []string               `json:"sinks"`
	Stats   notifier.Stats         `json:"stats"`
	History []notifier.HistoryItem `json:"recent_failures,omitempty"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	counts, err := a.store.CountJobs(ctx)
	if err != nil {
		return Status{}, err
	}
	today, err := a.jobs.StatsToday(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Instance:      a.instance,
		StartedAt:     a.startedAt,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		Scheduler:     a.sched.Snapshot(),
		Jobs:          counts,
		Today:         today,
		EventsDropped: a.bus.Dropped(),
		Supervisor:    a.sup.Snapshot(),
	}
	if a.notif.Enabled() {
		ns := &NotifierStatus{Sinks: a.notif.Sinks(), Stats: a.notif.Stats()}
		for _, h := range a.notif.History() {
			if h.Error != "" {
				ns.History = append(ns.History, h)
			}
		}
		st.Notifier = ns
	}
	return st, nil
}
