package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateName  = errors.New("job name already exists")
	ErrRunFinished    = errors.New("run already finished")
	ErrUnknownDriver  = errors.New("unknown storage driver")
	ErrMissingStorage = errors.New("storage path/dsn is required")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (alias "sqlite3"): Path is a database file
//   - "postgres" (alias "pgx"): Path is a connection string
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	QueryTimeout time.Duration // per statement; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means 10
}

// Job is a named, persistent schedule entry.
type Job struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	CronExpression   string     `json:"cron_expression"`
	Command          string     `json:"command"`
	WorkingDirectory string     `json:"working_directory,omitempty"`
	Enabled          bool       `json:"enabled"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	Tags             string     `json:"tags,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	NextRun          *time.Time `json:"next_run,omitempty"`
}

// Run is one execution attempt of a job. A run with a nil EndedAt is either
// still executing or was interrupted by a crash.
type Run struct {
	ID              int64      `json:"id"`
	JobID           int64      `json:"job_id"`
	JobName         string     `json:"job_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Stdout          *string    `json:"stdout,omitempty"`
	Stderr          *string    `json:"stderr,omitempty"`
	TimedOut        bool       `json:"timed_out"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

// Run states as reported by Status.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
	RunTimeout = "timeout"
)

func (r Run) Status() string {
	switch {
	case r.EndedAt == nil:
		return RunRunning
	case r.TimedOut:
		return RunTimeout
	case r.ExitCode != nil && *r.ExitCode == 0:
		return RunSuccess
	default:
		return RunFailed
	}
}

// RunOutcome is the single completion update applied to an open run.
type RunOutcome struct {
	EndedAt  time.Time
	ExitCode *int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// JobFilter narrows ListJobs. Zero value lists everything.
type JobFilter struct {
	EnabledOnly bool
	// Tag is matched as a substring of the comma-separated tags column.
	Tag string
}

// RunFilter narrows ListRuns. Results are most recent first.
type RunFilter struct {
	JobName    string
	Since      time.Time
	FailedOnly bool
	Limit      int
}

// RunStats summarizes runs started at or after a point in time.
type RunStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Running   int `json:"running"`
}

// JobCounts is used by status reporting.
type JobCounts struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
}
