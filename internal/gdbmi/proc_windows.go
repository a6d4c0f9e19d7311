//go:build windows

package gdbmi

import "os/exec"

// killProcessGroup kills the spawned process. Windows has no process groups
// in the Unix sense; killing the debugger is the best available teardown.
func killProcessGroup(pid int, cmd *exec.Cmd) error {
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// setProcAttr is a no-op on Windows.
func setProcAttr(cmd *exec.Cmd) {}
