package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (Job, error) {
	var (
		j                Job
		dir, tags        sql.NullString
		created, updated int64
		next             sql.NullInt64
	)
	if err := sc.Scan(&j.ID, &j.Name, &j.CronExpression, &j.Command, &dir, &j.Enabled, &j.TimeoutSeconds, &tags, &created, &updated, &next); err != nil {
		return Job{}, err
	}
	j.WorkingDirectory = dir.String
	j.Tags = tags.String
	j.CreatedAt = fromMicros(created)
	j.UpdatedAt = fromMicros(updated)
	j.NextRun = fromNullMicros(next)
	return j, nil
}

func scanRun(sc scanner) (Run, error) {
	var (
		r              Run
		started        int64
		ended          sql.NullInt64
		exit           sql.NullInt64
		stdout, stderr sql.NullString
		dur            sql.NullFloat64
	)
	if err := sc.Scan(&r.ID, &r.JobID, &r.JobName, &started, &ended, &exit, &stdout, &stderr, &r.TimedOut, &dur); err != nil {
		return Run{}, err
	}
	r.StartedAt = fromMicros(started)
	r.EndedAt = fromNullMicros(ended)
	if exit.Valid {
		code := int(exit.Int64)
		r.ExitCode = &code
	}
	if stdout.Valid {
		r.Stdout = &stdout.String
	}
	if stderr.Valid {
		r.Stderr = &stderr.String
	}
	if dur.Valid {
		r.DurationSeconds = &dur.Float64
	}
	return r, nil
}

func affectedOne(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return fmt.Errorf("update %s %d: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
