// Package platform provides cross-platform utilities for directory paths,
// binary extensions, and OS-specific process control.
package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

// AppName is the application name used for directory naming
const AppName = "grabq"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "Grabq"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Grabq
// macOS: ~/Library/Application Support/Grabq
// Linux: ~/.local/share/grabq
func GetDataDir() string {
	return getDataDir()
}

// GetDownloadsDir returns the default destination for finished downloads.
// Falls back to the data directory when no home directory is available.
func GetDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(getDataDir(), "downloads")
	}
	return filepath.Join(home, "Downloads")
}

// BinaryExtension returns the executable file extension for the current platform.
// Windows: ".exe"
// Linux: ""
func BinaryExtension() string {
	return binaryExtension()
}

// IsExecutable reports whether the file at path can be launched.
// On Windows, any regular file is considered launchable.
func IsExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	return isExecutable(info)
}

// ConfigureProcess prepares cmd so that the whole process tree it spawns
// can be signalled together (the engine forks ffmpeg for merges).
func ConfigureProcess(cmd *exec.Cmd) {
	configureProcess(cmd)
}

// Interrupt asks the process tree rooted at p to stop.
func Interrupt(p *os.Process) error {
	return interrupt(p)
}

// Kill forcibly terminates the process tree rooted at p.
func Kill(p *os.Process) error {
	return kill(p)
}

// ExitSignal reports whether state ended because of a signal, and its name.
func ExitSignal(state *os.ProcessState) (bool, string) {
	if state == nil {
		return false, ""
	}
	return exitSignal(state)
}
