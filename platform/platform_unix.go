//go:build !windows
// +build !windows

package platform

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func isExecutable(info os.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}

// configureProcess puts the child in its own process group so signals
// reach every process it spawns.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func interrupt(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return errors.New("process not started")
	}
	// A negative pid addresses the whole group. Fall back to the single
	// process if the group is already gone.
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return p.Signal(sig)
		}
		return err
	}
	return nil
}

func exitSignal(state *os.ProcessState) (bool, string) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false, ""
	}
	return true, ws.Signal().String()
}
