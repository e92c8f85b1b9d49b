//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the subprocess the leader of a new process group so
// cancellation can kill the shell and everything it spawned in one signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole process group. Falls back to killing
// just the direct child if the group cannot be resolved.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
