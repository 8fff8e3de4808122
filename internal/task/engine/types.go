package engine

import (
	"context"
	"time"
)

// Config controls the worker pool that executes scheduled job runs.
type Config struct {
	// Workers is the number of concurrent execution slots.
	Workers int
	// QueueSize bounds tasks accepted but not yet picked up by a worker.
	QueueSize int
	// HistorySize bounds the in-memory history exposed by Snapshot.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is a unit of work executed by the engine.
//
// Run is called at most once. If the task is accepted but never started
// (engine stopped first), OnDrop is called instead.
type Task struct {
	ID     string
	Name   string
	Run    func(ctx context.Context) error
	OnDrop func()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers          int           `json:"workers"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	InFlight         int           `json:"in_flight"`
	Completed        uint64        `json:"completed"`
	Panics           uint64        `json:"panics"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	DroppedOnStop    uint64        `json:"dropped_on_stop"`
	History          []HistoryItem `json:"history,omitempty"`
}
