package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickd/internal/storage"
	"tickd/internal/task/cronexpr"
	logx "tickd/pkg/logx"
)

// Detail is a job together with derived schedule information.
type Detail struct {
	Job         storage.Job  `json:"job"`
	Schedule    string       `json:"schedule"`
	PreviousRun *time.Time   `json:"previous_trigger,omitempty"`
	LastRun     *storage.Run `json:"last_run,omitempty"`
}

// Show returns a job with its schedule description, previous trigger time and last run.
func (s *Service) Show(ctx context.Context, name string) (Detail, error) {
	j, err := s.Get(ctx, name)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Job: j, Schedule: cronexpr.Describe(j.CronExpression)}
	if prev, err := cronexpr.Prev(j.CronExpression, s.now().In(s.loc)); err == nil {
		d.PreviousRun = &prev
	}
	last, err := s.store.LastRun(ctx, j.ID)
	switch {
	case err == nil:
		d.LastRun = &last
	case !errors.Is(err, storage.ErrNotFound):
		return Detail{}, err
	}
	return d, nil
}

func (s *Service) LastRun(ctx context.Context, name string) (storage.Run, error) {
	j, err := s.Get(ctx, name)
	if err != nil {
		return storage.Run{}, err
	}
	return s.store.LastRun(ctx, j.ID)
}

func (s *Service) Runs(ctx context.Context, f storage.RunFilter) ([]storage.Run, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	return s.store.ListRuns(ctx, f)
}

func (s *Service) Run(ctx context.Context, id int64) (storage.Run, error) {
	return s.store.GetRun(ctx, id)
}

// StatsToday counts runs started since midnight in the service location.
func (s *Service) StatsToday(ctx context.Context) (storage.RunStats, error) {
	now := s.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return s.store.RunStats(ctx, midnight)
}

func (s *Service) Stats(ctx context.Context, since time.Time) (storage.RunStats, error) {
	return s.store.RunStats(ctx, since)
}

// CleanupOldRuns deletes runs that started more than days ago.
func (s *Service) CleanupOldRuns(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidInput)
	}
	n, err := s.store.CleanupOldRuns(ctx, s.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	s.log.Info("runs.cleaned", logx.Int("days", days), logx.Int64("deleted", n))
	return n, nil
}
