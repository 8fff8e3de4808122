// Package executor runs one job command as a child process of the host shell,
// enforcing a wall-clock timeout with a graceful-then-forceful kill.
package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	logx "tickd/pkg/logx"
)

// Outcome tags how a process ended.
type Outcome int

const (
	// OutcomeExited means the process ran and exited on its own; ExitCode is set.
	OutcomeExited Outcome = iota
	// OutcomeTimedOut means the timeout fired and the process was killed; ExitCode is nil.
	OutcomeTimedOut
	// OutcomeSpawnFailed means the process never started; ExitCode holds a sentinel.
	OutcomeSpawnFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSpawnFailed:
		return "spawn_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sentinel exit codes for spawn failures, following shell conventions.
const (
	ExitSpawnError       = 1
	ExitPermissionDenied = 126
	ExitCommandNotFound  = 127
)

// Request describes one execution.
type Request struct {
	Command string
	Dir     string
	Timeout time.Duration
	// Env is appended to the daemon's environment.
	Env []string
}

// Result is the outcome of one execution. Duration is always populated.
type Result struct {
	Outcome   Outcome
	ExitCode  *int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

func (r Result) TimedOut() bool { return r.Outcome == OutcomeTimedOut }

// Succeeded reports a clean zero exit.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeExited && r.ExitCode != nil && *r.ExitCode == 0
}

type Config struct {
	// Shell runs the command as `Shell -c command` (cmd.exe /C on windows).
	Shell string
	// DefaultDir is used when a request has no working directory.
	DefaultDir string
	// DefaultTimeout applies when a request has no positive timeout.
	DefaultTimeout time.Duration
	// KillGrace is how long a timed-out process gets between the terminate and kill signals.
	KillGrace time.Duration
	// DrainWait bounds how long to wait for buffered output after the process is gone.
	DrainWait time.Duration
	// MaxOutputBytes caps each captured stream. <=0 means unlimited.
	MaxOutputBytes int
}

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.DrainWait <= 0 {
		c.DrainWait = 5 * time.Second
	}
	return c
}

type Executor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Executor {
	return &Executor{cfg: cfg.withDefaults(), log: log}
}

// Execute runs req and blocks until the process exits or the timeout has been enforced.
// It never returns an error: every failure is a reportable Result.
func (e *Executor) Execute(req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	dir := req.Dir
	if dir == "" {
		dir = e.cfg.DefaultDir
	}

	stdout := newCapBuffer(e.cfg.MaxOutputBytes)
	stderr := newCapBuffer(e.cfg.MaxOutputBytes)

	cmd := shellCommand(e.cfg.Shell, req.Command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.DrainWait
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	setProcessGroup(cmd)

	res := Result{StartedAt: time.Now()}
	finish := func() Result {
		res.EndedAt = time.Now()
		res.Duration = res.EndedAt.Sub(res.StartedAt)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		return res
	}

	if err := cmd.Start(); err != nil {
		code := spawnExitCode(err)
		res.Outcome = OutcomeSpawnFailed
		res.ExitCode = &code
		stderr.note(err.Error())
		e.log.Warn("exec.spawn_failed", logx.String("dir", dir), logx.Int("exit_code", code), logx.Err(err))
		return finish()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		code := exitCode(cmd, err)
		res.Outcome = OutcomeExited
		res.ExitCode = &code
		if err != nil && !isExitOrDrain(err) {
			stderr.note(err.Error())
		}
		return finish()
	case <-timer.C:
	}

	// Timed out: terminate the whole process group, then kill it if it lingers.
	e.log.Warn("exec.timeout", logx.Duration("timeout", timeout), logx.Int("pid", cmd.Process.Pid))
	if err := terminate(cmd); err != nil {
		e.log.Debug("exec.terminate_failed", logx.Err(err))
	}
	select {
	case <-done:
	case <-time.After(e.cfg.KillGrace):
		if err := kill(cmd); err != nil {
			e.log.Debug("exec.kill_failed", logx.Err(err))
		}
		select {
		case <-done:
		case <-time.After(e.cfg.DrainWait):
			e.log.Warn("exec.drain_abandoned", logx.Int("pid", cmd.Process.Pid))
		}
	}
	res.Outcome = OutcomeTimedOut
	return finish()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return processExitCode(cmd.ProcessState)
	}
	return ExitSpawnError
}

// isExitOrDrain reports errors that carry no information beyond the exit status.
func isExitOrDrain(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) || errors.Is(err, exec.ErrWaitDelay)
}

func spawnExitCode(err error) int {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitCommandNotFound
	case errors.Is(err, fs.ErrPermission):
		return ExitPermissionDenied
	default:
		return ExitSpawnError
	}
}
