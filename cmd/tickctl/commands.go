package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickd/internal/jobs"
	"tickd/internal/storage"
	"tickd/internal/task/cronexpr"
)

const maxRunsLimit = 1000

func cmdAdd(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("add")
	dir := fs.String("dir", "", "working directory")
	timeout := fs.Int("timeout", 0, "timeout in seconds (0 = default)")
	tags := fs.String("tags", "", "comma-separated tags")
	disabled := fs.Bool("disabled", false, "create the job disabled")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 3, "NAME", "CRON", "COMMAND"); err != nil {
		return err
	}
	j, err := c.svc.Add(ctx, jobs.AddParams{
		Name:             pos[0],
		Cron:             pos[1],
		Command:          pos[2],
		WorkingDirectory: *dir,
		TimeoutSeconds:   *timeout,
		Tags:             *tags,
		Disabled:         *disabled,
	})
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(j)
	}
	fmt.Fprintf(c.out, "added job %q (id %d), next run %s\n", j.Name, j.ID, c.fmtTimePtr(j.NextRun))
	return nil
}

func cmdList(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("list")
	enabled := fs.Bool("enabled", false, "only enabled jobs")
	tag := fs.String("tag", "", "only jobs carrying this tag")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 0); err != nil {
		return err
	}
	list, err := c.svc.List(ctx, storage.JobFilter{EnabledOnly: *enabled, Tag: *tag})
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no jobs")
		return nil
	}
	tw := newTable(c.out, "ID", "NAME", "SCHEDULE", "ENABLED", "NEXT RUN", "COMMAND")
	for _, j := range list {
		tw.row(strconv.FormatInt(j.ID, 10), j.Name, j.CronExpression, yesNo(j.Enabled), c.fmtTimePtr(j.NextRun), truncate(j.Command, 48))
	}
	return tw.flush()
}

func cmdShow(ctx context.Context, c *cli, args []string) error {
	name, err := oneName(args)
	if err != nil {
		return err
	}
	d, err := c.svc.Show(ctx, name)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(d)
	}
	j := d.Job
	kv := newKV(c.out)
	kv.add("name", j.Name)
	kv.add("id", strconv.FormatInt(j.ID, 10))
	kv.add("schedule", fmt.Sprintf("%s (%s)", j.CronExpression, d.Schedule))
	kv.add("command", j.Command)
	if j.WorkingDirectory != "" {
		kv.add("working dir", j.WorkingDirectory)
	}
	kv.add("timeout", (time.Duration(j.TimeoutSeconds) * time.Second).String())
	if j.Tags != "" {
		kv.add("tags", j.Tags)
	}
	kv.add("enabled", yesNo(j.Enabled))
	kv.add("next run", c.fmtTimePtr(j.NextRun))
	kv.add("previous trigger", c.fmtTimePtr(d.PreviousRun))
	kv.add("created", c.fmtTime(j.CreatedAt))
	kv.add("updated", c.fmtTime(j.UpdatedAt))
	if r := d.LastRun; r != nil {
		kv.add("last run", fmt.Sprintf("#%d %s at %s (%s)", r.ID, r.Status(), c.fmtTime(r.StartedAt), fmtDuration(r.DurationSeconds)))
	} else {
		kv.add("last run", "never")
	}
	return kv.flush()
}

func cmdEdit(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("edit")
	fs.String("name", "", "new name")
	fs.String("cron", "", "new cron expression")
	fs.String("command", "", "new command")
	fs.String("dir", "", "new working directory (empty clears)")
	fs.Int("timeout", 0, "new timeout in seconds")
	fs.String("tags", "", "new tags (empty clears)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 1, "NAME"); err != nil {
		return err
	}

	var p jobs.EditParams
	var convErr error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "name":
			p.Name = &v
		case "cron":
			p.Cron = &v
		case "command":
			p.Command = &v
		case "dir":
			p.WorkingDirectory = &v
		case "tags":
			p.Tags = &v
		case "timeout":
			n, err := strconv.Atoi(v)
			if err != nil {
				convErr = err
				return
			}
			p.TimeoutSeconds = &n
		}
	})
	if convErr != nil {
		return usagef("timeout: %v", convErr)
	}

	j, err := c.svc.Edit(ctx, pos[0], p)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(j)
	}
	fmt.Fprintf(c.out, "updated job %q, next run %s\n", j.Name, c.fmtTimePtr(j.NextRun))
	return nil
}

func cmdEnable(ctx context.Context, c *cli, args []string) error {
	return c.jobAction(ctx, args, c.svc.Enable, "enabled")
}

func cmdDisable(ctx context.Context, c *cli, args []string) error {
	return c.jobAction(ctx, args, c.svc.Disable, "disabled")
}

func cmdTrigger(ctx context.Context, c *cli, args []string) error {
	return c.jobAction(ctx, args, c.svc.Trigger, "triggered")
}

func (c *cli) jobAction(ctx context.Context, args []string, fn func(context.Context, string) (storage.Job, error), verb string) error {
	name, err := oneName(args)
	if err != nil {
		return err
	}
	j, err := fn(ctx, name)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(j)
	}
	fmt.Fprintf(c.out, "%s job %q, next run %s\n", verb, j.Name, c.fmtTimePtr(j.NextRun))
	return nil
}

func cmdDelete(ctx context.Context, c *cli, args []string) error {
	name, err := oneName(args)
	if err != nil {
		return err
	}
	if err := c.svc.Delete(ctx, name); err != nil {
		return err
	}
	if c.json {
		return c.printJSON(map[string]string{"deleted": name})
	}
	fmt.Fprintf(c.out, "deleted job %q\n", name)
	return nil
}

func cmdRuns(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("runs")
	job := fs.String("job", "", "only runs of this job")
	since := fs.Duration("since", 0, "only runs started within this duration (e.g. 24h)")
	failed := fs.Bool("failed", false, "only failed or timed-out runs")
	limit := fs.Int("limit", 20, "maximum number of runs, 1-1000")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 0); err != nil {
		return err
	}
	if *limit < 1 || *limit > maxRunsLimit {
		return usagef("-limit must be between 1 and %d", maxRunsLimit)
	}
	f := storage.RunFilter{JobName: *job, FailedOnly: *failed, Limit: *limit}
	if *since > 0 {
		f.Since = c.now().Add(-*since)
	}
	runs, err := c.svc.Runs(ctx, f)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.out, "no runs")
		return nil
	}
	tw := newTable(c.out, "ID", "JOB", "STARTED", "DURATION", "STATUS", "EXIT")
	for _, r := range runs {
		tw.row(strconv.FormatInt(r.ID, 10), r.JobName, c.fmtTime(r.StartedAt), fmtDuration(r.DurationSeconds), r.Status(), fmtExit(r.ExitCode))
	}
	return tw.flush()
}

func cmdRun(ctx context.Context, c *cli, args []string) error {
	if err := exactArgs(args, 1, "ID"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return usagef("invalid run id %q", args[0])
	}
	r, err := c.svc.Run(ctx, id)
	if err != nil {
		return err
	}
	return c.printRun(r)
}

func cmdLast(ctx context.Context, c *cli, args []string) error {
	name, err := oneName(args)
	if err != nil {
		return err
	}
	r, err := c.svc.LastRun(ctx, name)
	if err != nil {
		return err
	}
	return c.printRun(r)
}

func (c *cli) printRun(r storage.Run) error {
	if c.json {
		return c.printJSON(r)
	}
	kv := newKV(c.out)
	kv.add("run", strconv.FormatInt(r.ID, 10))
	kv.add("job", fmt.Sprintf("%s (id %d)", r.JobName, r.JobID))
	kv.add("status", r.Status())
	kv.add("started", c.fmtTime(r.StartedAt))
	kv.add("ended", c.fmtTimePtr(r.EndedAt))
	kv.add("duration", fmtDuration(r.DurationSeconds))
	kv.add("exit code", fmtExit(r.ExitCode))
	if err := kv.flush(); err != nil {
		return err
	}
	printOutput(c.out, "stdout", r.Stdout)
	printOutput(c.out, "stderr", r.Stderr)
	return nil
}

func cmdStats(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("stats")
	since := fs.Duration("since", 0, "window length (default: since local midnight)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 0); err != nil {
		return err
	}
	var (
		st    storage.RunStats
		label = "today"
	)
	if *since > 0 {
		label = "last " + since.String()
		st, err = c.svc.Stats(ctx, c.now().Add(-*since))
	} else {
		st, err = c.svc.StatsToday(ctx)
	}
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(st)
	}
	fmt.Fprintf(c.out, "runs %s: %d total, %d succeeded, %d failed, %d timed out, %d running\n",
		label, st.Total, st.Succeeded, st.Failed, st.TimedOut, st.Running)
	return nil
}

func cmdCleanup(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("cleanup")
	days := fs.Int("days", c.cfg.Scheduler.RunRetentionDays, "delete runs started more than N days ago")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs(pos, 0); err != nil {
		return err
	}
	if *days <= 0 {
		return usagef("-days must be positive")
	}
	n, err := c.svc.CleanupOldRuns(ctx, *days)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(map[string]int64{"deleted": n})
	}
	fmt.Fprintf(c.out, "deleted %d run(s) older than %d day(s)\n", n, *days)
	return nil
}

func cmdNext(_ context.Context, c *cli, args []string) error {
	fs := newFlagSet("next")
	n := fs.Int("n", 5, "number of trigger times")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		return usagef("expected CRON")
	}
	if *n <= 0 || *n > 100 {
		return usagef("-n must be between 1 and 100")
	}
	expr := strings.Join(pos, " ")
	s, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrInvalidSchedule, err)
	}
	times := make([]time.Time, 0, *n)
	at := c.now().In(c.loc)
	for range *n {
		if at, err = s.Next(at); err != nil {
			return err
		}
		times = append(times, at)
	}
	if c.json {
		return c.printJSON(map[string]any{"expression": expr, "description": cronexpr.Describe(expr), "next": times})
	}
	fmt.Fprintf(c.out, "%s (%s)\n", expr, cronexpr.Describe(expr))
	for _, t := range times {
		fmt.Fprintf(c.out, "  %s\n", c.fmtTime(t))
	}
	return nil
}

func cmdStatus(ctx context.Context, c *cli, args []string) error {
	if err := exactArgs(args, 0); err != nil {
		return err
	}
	if !c.cfg.Ops.Enabled {
		return fmt.Errorf("ops server is disabled in the config (ops.enabled or TICKD_OPS_ADDR)")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.cfg.Ops.Addr+"/status", nil)
	if err != nil {
		return err
	}
	if c.cfg.Ops.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Ops.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	_, err = io.Copy(c.out, resp.Body)
	return err
}

func oneName(args []string) (string, error) {
	if err := exactArgs(args, 1, "NAME"); err != nil {
		return "", err
	}
	return args[0], nil
}
