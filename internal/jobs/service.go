// Package jobs implements the management operations over the Schedule Store
// and Run Ledger: add, edit, enable, disable, delete, trigger and run queries.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/task/cronexpr"
	logx "tickd/pkg/logx"
)

type Options struct {
	// Location evaluates cron expressions. Nil means time.Local.
	Location *time.Location
	// DefaultTimeoutSeconds applies when AddParams.TimeoutSeconds is 0.
	DefaultTimeoutSeconds int
	Bus                   eventbus.Bus
	Log                   logx.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

type Service struct {
	store          storage.Store
	loc            *time.Location
	defaultTimeout int
	bus            eventbus.Bus
	log            logx.Logger
	now            func() time.Time
}

func NewService(st storage.Store, opt Options) *Service {
	s := &Service{
		store:          st,
		loc:            opt.Location,
		defaultTimeout: opt.DefaultTimeoutSeconds,
		bus:            opt.Bus,
		log:            opt.Log,
		now:            opt.Now,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = 300
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type AddParams struct {
	Name             string `validate:"required,jobname"`
	Cron             string `validate:"required"`
	Command          string `validate:"required"`
	WorkingDirectory string
	TimeoutSeconds   int `validate:"gte=0"`
	Tags             string
	Disabled         bool
}

// EditParams changes only the non-nil fields.
type EditParams struct {
	Name             *string
	Cron             *string
	Command          *string
	WorkingDirectory *string
	TimeoutSeconds   *int
	Tags             *string
}

func (p EditParams) validate() error {
	if p.Name != nil {
		if err := validateVar(strings.TrimSpace(*p.Name), "required,jobname", "name"); err != nil {
			return err
		}
	}
	if p.Command != nil {
		if err := validateVar(*p.Command, "required", "command"); err != nil {
			return err
		}
	}
	if p.TimeoutSeconds != nil {
		if err := validateVar(*p.TimeoutSeconds, "gt=0", "timeout_seconds"); err != nil {
			return err
		}
	}
	return nil
}

func (p EditParams) empty() bool {
	return p.Name == nil && p.Cron == nil && p.Command == nil && p.WorkingDirectory == nil && p.TimeoutSeconds == nil && p.Tags == nil
}

// NextRun computes the next trigger of expr strictly after from, in the service location.
func (s *Service) NextRun(expr string, from time.Time) (time.Time, error) {
	next, err := cronexpr.Next(expr, from.In(s.loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return next, nil
}

func (s *Service) Add(ctx context.Context, p AddParams) (storage.Job, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Cron = strings.TrimSpace(p.Cron)
	if err := validateStruct(p); err != nil {
		return storage.Job{}, err
	}
	if err := validateSchedule(p.Cron); err != nil {
		return storage.Job{}, err
	}
	j := storage.Job{
		Name:             p.Name,
		CronExpression:   p.Cron,
		Command:          p.Command,
		WorkingDirectory: strings.TrimSpace(p.WorkingDirectory),
		Enabled:          !p.Disabled,
		TimeoutSeconds:   p.TimeoutSeconds,
		Tags:             normalizeTags(p.Tags),
	}
	if j.TimeoutSeconds == 0 {
		j.TimeoutSeconds = s.defaultTimeout
	}
	if j.Enabled {
		next, err := s.NextRun(j.CronExpression, s.now())
		if err != nil {
			return storage.Job{}, err
		}
		j.NextRun = &next
	}
	added, err := s.store.AddJob(ctx, j)
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job.created", logx.String("job", added.Name), logx.Int64("job_id", added.ID), logx.String("cron", added.CronExpression))
	s.publish(eventbus.JobCreated, added)
	return added, nil
}

func (s *Service) Get(ctx context.Context, name string) (storage.Job, error) {
	return s.store.GetJob(ctx, strings.TrimSpace(name))
}

func (s *Service) List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) Edit(ctx context.Context, name string, p EditParams) (storage.Job, error) {
	if p.empty() {
		return storage.Job{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if err := p.validate(); err != nil {
		return storage.Job{}, err
	}
	j, err := s.Get(ctx, name)
	if err != nil {
		return storage.Job{}, err
	}

	cronChanged := false
	if p.Name != nil {
		j.Name = strings.TrimSpace(*p.Name)
	}
	if p.Cron != nil {
		expr := strings.TrimSpace(*p.Cron)
		if err := validateSchedule(expr); err != nil {
			return storage.Job{}, err
		}
		cronChanged = expr != j.CronExpression
		j.CronExpression = expr
	}
	if p.Command != nil {
		j.Command = *p.Command
	}
	if p.WorkingDirectory != nil {
		j.WorkingDirectory = strings.TrimSpace(*p.WorkingDirectory)
	}
	if p.TimeoutSeconds != nil {
		j.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Tags != nil {
		j.Tags = normalizeTags(*p.Tags)
	}

	// UpdateJob leaves next_run alone; the loop may have advanced it since Get.
	updated, err := s.store.UpdateJob(ctx, j)
	if err != nil {
		return storage.Job{}, err
	}
	if cronChanged && updated.Enabled {
		next, err := s.NextRun(updated.CronExpression, s.now())
		if err != nil {
			return storage.Job{}, err
		}
		if err := s.store.UpdateNextRun(ctx, updated.ID, next); err != nil {
			return storage.Job{}, err
		}
		updated.NextRun = &next
	}
	s.log.Info("job.updated", logx.String("job", updated.Name), logx.Int64("job_id", updated.ID), logx.Bool("schedule_changed", cronChanged))
	s.publish(eventbus.JobUpdated, updated)
	return updated, nil
}

// Enable turns a job on and schedules it from now. Enabling an enabled,
// scheduled job changes nothing.
func (s *Service) Enable(ctx context.Context, name string) (storage.Job, error) {
	j, err := s.Get(ctx, name)
	if err != nil {
		return storage.Job{}, err
	}
	if j.Enabled && j.NextRun != nil {
		return j, nil
	}
	next, err := s.NextRun(j.CronExpression, s.now())
	if err != nil {
		return storage.Job{}, err
	}
	if err := s.store.SetJobEnabled(ctx, j.ID, true, &next); err != nil {
		return storage.Job{}, err
	}
	return s.reload(ctx, j.ID, eventbus.JobUpdated, "job.enabled")
}

// Disable turns a job off and clears next_run.
func (s *Service) Disable(ctx context.Context, name string) (storage.Job, error) {
	j, err := s.Get(ctx, name)
	if err != nil {
		return storage.Job{}, err
	}
	if err := s.store.SetJobEnabled(ctx, j.ID, false, nil); err != nil {
		return storage.Job{}, err
	}
	return s.reload(ctx, j.ID, eventbus.JobUpdated, "job.disabled")
}

// Trigger makes a job due now. The scheduler loop picks it up on its next poll;
// an execution already in flight is not affected.
func (s *Service) Trigger(ctx context.Context, name string) (storage.Job, error) {
	j, err := s.Get(ctx, name)
	if err != nil {
		return storage.Job{}, err
	}
	if !j.Enabled {
		return storage.Job{}, fmt.Errorf("%w: %s", ErrJobDisabled, j.Name)
	}
	if err := s.store.UpdateNextRun(ctx, j.ID, s.now()); err != nil {
		return storage.Job{}, err
	}
	return s.reload(ctx, j.ID, eventbus.JobTriggered, "job.triggered")
}

func (s *Service) Delete(ctx context.Context, name string) error {
	j, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, j.ID); err != nil {
		return err
	}
	s.log.Info("job.deleted", logx.String("job", j.Name), logx.Int64("job_id", j.ID))
	s.publish(eventbus.JobDeleted, j)
	return nil
}

func (s *Service) reload(ctx context.Context, id int64, event, msg string) (storage.Job, error) {
	j, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info(msg, logx.String("job", j.Name), logx.Int64("job_id", j.ID))
	s.publish(event, j)
	return j, nil
}

func (s *Service) publish(typ string, j storage.Job) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: JobEvent{JobID: j.ID, JobName: j.Name, Enabled: j.Enabled, NextRun: j.NextRun}})
}

// JobEvent is the payload of job management events.
type JobEvent struct {
	JobID   int64      `json:"job_id"`
	JobName string     `json:"job_name"`
	Enabled bool       `json:"enabled"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// normalizeTags trims each comma-separated tag and drops empties.
func normalizeTags(s string) string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
