//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op on Windows. killProcessGroup kills only the
// cmd process itself; children started by cmd /C are not signalled.
func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
