package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "tickd/pkg/logx"
)

type sqlStore struct {
	db      *sql.DB
	d       dialect
	log     logx.Logger
	timeout time.Duration
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, timeout: cfg.QueryTimeout}
}

const jobColumns = `id, name, cron_expression, command, working_directory, enabled, timeout_seconds, tags, created_at, updated_at, next_run`

const runColumns = `id, job_id, job_name, started_at, ended_at, exit_code, stdout, stderr, timed_out, duration_seconds`

func (s *sqlStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

/* ===================== Jobs ===================== */

func (s *sqlStore) AddJob(ctx context.Context, j Job) (Job, error) {
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	// DO NOTHING + RETURNING yields no row on conflict, on both sqlite and postgres.
	q := `INSERT INTO jobs (name, cron_expression, command, working_directory, enabled, timeout_seconds, tags, created_at, updated_at, next_run)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO NOTHING
RETURNING id`
	err := s.db.QueryRowContext(ctx, s.d.rebind(q),
		j.Name, j.CronExpression, j.Command, nullStr(j.WorkingDirectory), j.Enabled, j.TimeoutSeconds,
		nullStr(j.Tags), micros(now), micros(now), nullTime(j.NextRun),
	).Scan(&j.ID)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateName, j.Name)
	}
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, name string) (Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
}

func (s *sqlStore) GetJobByID(ctx context.Context, id int64) (Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

func (s *sqlStore) getJob(ctx context.Context, q string, arg any) (Job, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.rebind(q), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %v: %w", arg, ErrNotFound)
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.EnabledOnly {
		where = append(where, "enabled = ?")
		args = append(args, true)
	}
	if tag := strings.TrimSpace(f.Tag); tag != "" {
		where = append(where, "tags LIKE ?")
		args = append(args, "%"+tag+"%")
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY name"
	return s.queryJobs(ctx, q, args...)
}

func (s *sqlStore) CountJobs(ctx context.Context) (JobCounts, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var c JobCounts
	q := `SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled = ? THEN 1 ELSE 0 END), 0) FROM jobs`
	if err := s.db.QueryRowContext(ctx, s.d.rebind(q), true).Scan(&c.Total, &c.Enabled); err != nil {
		return JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, j Job) (Job, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE jobs SET name = ?, cron_expression = ?, command = ?, working_directory = ?,
timeout_seconds = ?, tags = ?, updated_at = ? WHERE id = ?`,
		j.Name, j.CronExpression, j.Command, nullStr(j.WorkingDirectory),
		j.TimeoutSeconds, nullStr(j.Tags), micros(now), j.ID,
	)
	if isUniqueViolation(err) {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateName, j.Name)
	}
	if err := affectedOne(res, err, "job", j.ID); err != nil {
		return Job{}, err
	}
	return s.GetJobByID(ctx, j.ID)
}

func (s *sqlStore) SetJobEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error {
	res, err := s.exec(ctx, `UPDATE jobs SET enabled = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		enabled, nullTime(nextRun), micros(time.Now()), id)
	return affectedOne(res, err, "job", id)
}

func (s *sqlStore) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return affectedOne(res, err, "job", id)
}

func (s *sqlStore) UpdateNextRun(ctx context.Context, id int64, next time.Time) error {
	res, err := s.exec(ctx, `UPDATE jobs SET next_run = ? WHERE id = ?`, micros(next), id)
	return affectedOne(res, err, "job", id)
}

func (s *sqlStore) GetDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE enabled = ? AND next_run IS NOT NULL AND next_run <= ?
ORDER BY next_run ASC, id ASC`, true, micros(now))
}

func (s *sqlStore) ListUnscheduledJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE enabled = ? AND next_run IS NULL ORDER BY id`, true)
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

/* ===================== Runs ===================== */

func (s *sqlStore) CreateRun(ctx context.Context, j Job, startedAt time.Time) (Run, error) {
	r := Run{JobID: j.ID, JobName: j.Name, StartedAt: startedAt.UTC()}
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	q := `INSERT INTO runs (job_id, job_name, started_at, timed_out) VALUES (?, ?, ?, ?) RETURNING id`
	if err := s.db.QueryRowContext(ctx, s.d.rebind(q), j.ID, j.Name, micros(startedAt), false).Scan(&r.ID); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// FinishRun closes an open run. Duration is derived from the stored start time.
func (s *sqlStore) FinishRun(ctx context.Context, id int64, o RunOutcome) error {
	ended := micros(o.EndedAt)
	res, err := s.exec(ctx, `UPDATE runs SET ended_at = ?, exit_code = ?, stdout = ?, stderr = ?, timed_out = ?,
duration_seconds = (? - started_at) / 1000000.0
WHERE id = ? AND ended_at IS NULL`,
		ended, nullInt(o.ExitCode), nullStr(o.Stdout), nullStr(o.Stderr), o.TimedOut, ended, id)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("run %d: %w", id, ErrRunFinished)
}

func (s *sqlStore) GetRun(ctx context.Context, id int64) (Run, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	r, err := scanRun(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *sqlStore) LastRun(ctx context.Context, jobID int64) (Run, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	q := `SELECT ` + runColumns + ` FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`
	r, err := scanRun(s.db.QueryRowContext(ctx, s.d.rebind(q), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("last run of job %d: %w", jobID, ErrNotFound)
	}
	return r, err
}

func (s *sqlStore) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, f.JobName)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, micros(f.Since))
	}
	if f.FailedOnly {
		where = append(where, "(exit_code IS NULL OR exit_code <> 0 OR timed_out = ?)")
		args = append(args, true)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryRuns(ctx, q, args...)
}

func (s *sqlStore) ListOpenRuns(ctx context.Context) ([]Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE ended_at IS NULL ORDER BY started_at, id`)
}

func (s *sqlStore) RunStats(ctx context.Context, since time.Time) (RunStats, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	q := `SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN ended_at IS NOT NULL AND timed_out = ? AND exit_code = 0 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN ended_at IS NOT NULL AND timed_out = ? AND (exit_code IS NULL OR exit_code <> 0) THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN timed_out = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0)
FROM runs WHERE started_at >= ?`
	var st RunStats
	err := s.db.QueryRowContext(ctx, s.d.rebind(q), false, false, true, micros(since)).
		Scan(&st.Total, &st.Succeeded, &st.Failed, &st.TimedOut, &st.Running)
	if err != nil {
		return RunStats{}, fmt.Errorf("run stats: %w", err)
	}
	return st, nil
}

func (s *sqlStore) CleanupOldRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM runs WHERE started_at < ?`, micros(before))
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) queryRuns(ctx context.Context, q string, args ...any) ([]Run, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
