//go:build windows

package executor

import (
	"os"
	"os/exec"
)

const defaultShell = "cmd.exe"

func shellCommand(shell, command string) *exec.Cmd {
	return exec.Command(shell, "/C", command)
}

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no graceful signal for console processes started this way.
func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func processExitCode(ps *os.ProcessState) int { return ps.ExitCode() }
