//go:build windows
// +build windows

package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		// Fallback for missing APPDATA
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}

func binaryExtension() string {
	return ".exe"
}

func isExecutable(info os.FileInfo) bool {
	// On Windows, executability is determined by file extension, not permissions
	return info.Mode().IsRegular()
}

func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// interrupt asks taskkill to close the tree without /F; console programs
// that ignore it are handled by kill after the grace period.
func interrupt(p *os.Process) error {
	if p == nil {
		return errors.New("process not started")
	}
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

func kill(p *os.Process) error {
	if p == nil {
		return errors.New("process not started")
	}
	if err := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run(); err != nil {
		return p.Kill()
	}
	return nil
}

func exitSignal(state *os.ProcessState) (bool, string) {
	return false, ""
}
