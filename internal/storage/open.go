package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tickd/pkg/logx"
)

// Store is the persistence API used by the scheduler and the management layer.
type Store interface {
	AddJob(ctx context.Context, j Job) (Job, error)
	GetJob(ctx context.Context, name string) (Job, error)
	GetJobByID(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	CountJobs(ctx context.Context) (JobCounts, error)
	// UpdateJob writes the definition columns of j (matched by ID) and bumps updated_at.
	// Enabled and NextRun are ignored; SetJobEnabled and UpdateNextRun own them.
	UpdateJob(ctx context.Context, j Job) (Job, error)
	SetJobEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error
	DeleteJob(ctx context.Context, id int64) error

	// UpdateNextRun sets next_run only; updated_at is left alone.
	UpdateNextRun(ctx context.Context, id int64, next time.Time) error
	GetDueJobs(ctx context.Context, now time.Time) ([]Job, error)
	ListUnscheduledJobs(ctx context.Context) ([]Job, error)

	CreateRun(ctx context.Context, j Job, startedAt time.Time) (Run, error)
	FinishRun(ctx context.Context, id int64, o RunOutcome) error
	GetRun(ctx context.Context, id int64) (Run, error)
	LastRun(ctx context.Context, jobID int64) (Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
	ListOpenRuns(ctx context.Context) ([]Run, error)
	RunStats(ctx context.Context, since time.Time) (RunStats, error)
	CleanupOldRuns(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies pending migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
