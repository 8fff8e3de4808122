//go:build !windows

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const defaultShell = "/bin/sh"

func shellCommand(shell, command string) *exec.Cmd {
	return exec.Command(shell, "-c", command)
}

// setProcessGroup puts the child in its own process group so a timeout reaches
// everything the shell started, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }

func kill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		// Fall back to the direct child.
		return cmd.Process.Signal(sig)
	}
	return nil
}

// processExitCode follows the shell convention of 128+signal for signaled processes.
func processExitCode(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
