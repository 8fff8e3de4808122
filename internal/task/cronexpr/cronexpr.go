// Package cronexpr validates 5-field cron expressions and computes trigger times.
//
// Parsing and forward search come from robfig/cron. The previous-trigger search
// walks the parsed bitfields backwards with the same day-of-month/day-of-week rules.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalid    = errors.New("invalid cron expression")
	ErrNeverFires = errors.New("cron expression never fires")
)

// Standard 5-field cron: minute hour dom month dow, plus @hourly style descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// starBit marks a field that was written as "*" or "?"; it mirrors robfig's unexported constant.
const starBit = 1 << 63

// searchLimit bounds both searches; robfig gives up after five years as well.
const searchLimit = 5 * 366 * 24 * time.Hour

// Schedule is a parsed expression. It is immutable and safe for concurrent use.
type Schedule struct {
	expr string
	spec *cron.SpecSchedule
}

// Parse parses expr. Timezone prefixes and @every are rejected: expressions are
// always evaluated in the location of the instant passed to Next/Prev.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefix not supported", ErrInvalid)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: @every not supported", ErrInvalid)
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported schedule %T", ErrInvalid, s)
	}
	sch := &Schedule{expr: expr, spec: spec}
	if _, err := sch.Next(time.Now()); err != nil {
		return nil, err
	}
	return sch, nil
}

// Validate reports whether expr parses and fires at least once.
func Validate(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// Next returns the earliest trigger strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}

// Prev returns the latest trigger strictly before from.
func Prev(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Prev(from)
}

func (s *Schedule) String() string { return s.expr }

// Next returns the earliest trigger strictly after from, in from's location.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	// robfig evaluates in the schedule's location; the parser default is time.Local,
	// which makes it follow the location of the argument instead.
	t := s.spec.Next(from)
	if t.IsZero() || !t.After(from) {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNeverFires, s.expr, from.Format(time.RFC3339))
	}
	return t, nil
}

// Prev returns the latest trigger strictly before from, in from's location.
func (s *Schedule) Prev(from time.Time) (time.Time, error) {
	loc := from.Location()
	t := from.Truncate(time.Minute)
	if !t.Before(from) {
		t = t.Add(-time.Minute)
	}
	limit := from.Add(-searchLimit)

	for t.After(limit) {
		if s.spec.Month&(1<<uint(t.Month())) == 0 {
			// Last minute of the previous month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if s.spec.Hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(-time.Minute)
			continue
		}
		if s.spec.Minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(-time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q before %s", ErrNeverFires, s.expr, from.Format(time.RFC3339))
}

// dayMatches applies cron's day rule: if either day field is a wildcard both must
// match, otherwise a match on either one is enough.
func (s *Schedule) dayMatches(t time.Time) bool {
	dom := s.spec.Dom&(1<<uint(t.Day())) != 0
	dow := s.spec.Dow&(1<<uint(t.Weekday())) != 0
	if s.spec.Dom&starBit != 0 || s.spec.Dow&starBit != 0 {
		return dom && dow
	}
	return dom || dow
}
