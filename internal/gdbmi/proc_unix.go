//go:build !windows

package gdbmi

import (
	"os/exec"
	"syscall"
)

// killProcessGroup delivers SIGKILL to the debugger's whole process group,
// addressed by negative pid. A group that is already gone (ESRCH) is not an
// error. The pid always comes from a started *exec.Cmd; the second parameter
// exists only for signature parity with the Windows build.
func killProcessGroup(pid int, _ *exec.Cmd) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// setProcAttr puts the debugger in its own session, making it the leader of
// a process group killProcessGroup can tear down in one signal.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
