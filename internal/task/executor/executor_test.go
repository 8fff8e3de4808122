//go:build !windows

package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func newTestExecutor(cfg Config) *Executor {
	return New(cfg, logx.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "echo hi; echo oops >&2", Timeout: 5 * time.Second})

	if res.Outcome != OutcomeExited || !res.Succeeded() {
		t.Fatalf("outcome = %v exit = %v", res.Outcome, res.ExitCode)
	}
	if res.Stdout != "hi\n" || res.Stderr != "oops\n" {
		t.Fatalf("stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.Duration <= 0 || res.EndedAt.Before(res.StartedAt) {
		t.Fatalf("bad timing: %+v", res)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "exit 3", Timeout: 5 * time.Second})
	if res.Outcome != OutcomeExited || res.ExitCode == nil || *res.ExitCode != 3 {
		t.Fatalf("outcome = %v exit = %v", res.Outcome, res.ExitCode)
	}
	if res.Succeeded() {
		t.Fatal("exit 3 reported as success")
	}
}

func TestExecuteCommandNotFoundViaShell(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "definitely-not-a-real-command-tickd", Timeout: 5 * time.Second})
	if res.ExitCode == nil || *res.ExitCode != ExitCommandNotFound {
		t.Fatalf("exit = %v, want %d", res.ExitCode, ExitCommandNotFound)
	}
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{KillGrace: time.Second, DrainWait: time.Second})
	res := e.Execute(Request{Command: "sleep 10", Timeout: time.Second})

	if !res.TimedOut() {
		t.Fatalf("outcome = %v, want timed out", res.Outcome)
	}
	if res.ExitCode != nil {
		t.Fatalf("exit code = %d, want nil", *res.ExitCode)
	}
	if res.Duration < time.Second || res.Duration >= 10*time.Second {
		t.Fatalf("duration = %s, want [1s, 10s)", res.Duration)
	}
}

func TestExecuteTimeoutEscalatesToKill(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{KillGrace: 200 * time.Millisecond, DrainWait: time.Second})
	res := e.Execute(Request{Command: "trap '' TERM; echo started; sleep 10", Timeout: 300 * time.Millisecond})

	if !res.TimedOut() || res.ExitCode != nil {
		t.Fatalf("outcome = %v exit = %v", res.Outcome, res.ExitCode)
	}
	if res.Duration >= 5*time.Second {
		t.Fatalf("duration = %s, kill did not interrupt", res.Duration)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Fatalf("stdout before kill lost: %q", res.Stdout)
	}
}

func TestExecuteWorkingDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "ls", Dir: dir, Timeout: 5 * time.Second})
	if !res.Succeeded() || !strings.Contains(res.Stdout, "marker.txt") {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "true", Dir: filepath.Join(t.TempDir(), "missing"), Timeout: time.Second})

	if res.Outcome != OutcomeSpawnFailed {
		t.Fatalf("outcome = %v, want spawn failed", res.Outcome)
	}
	if res.ExitCode == nil || *res.ExitCode != ExitCommandNotFound {
		t.Fatalf("exit = %v, want %d", res.ExitCode, ExitCommandNotFound)
	}
	if res.Stderr == "" || res.EndedAt.IsZero() {
		t.Fatalf("spawn failure not reported: %+v", res)
	}
}

func TestExecuteMissingShell(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{Shell: "/nonexistent/shell"})
	res := e.Execute(Request{Command: "true", Timeout: time.Second})
	if res.Outcome != OutcomeSpawnFailed || *res.ExitCode != ExitCommandNotFound {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecuteOutputCap(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{MaxOutputBytes: 16})
	res := e.Execute(Request{Command: "printf '0123456789abcdefghij'", Timeout: 5 * time.Second})
	if !res.Succeeded() {
		t.Fatalf("res = %+v", res)
	}
	if !strings.HasPrefix(res.Stdout, "0123456789abcdef") || !strings.HasSuffix(res.Stdout, "[output truncated]\n") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestExecuteEnv(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(Config{})
	res := e.Execute(Request{Command: "echo $TICKD_JOB_NAME", Env: []string{"TICKD_JOB_NAME=nightly"}, Timeout: 5 * time.Second})
	if strings.TrimSpace(res.Stdout) != "nightly" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}
