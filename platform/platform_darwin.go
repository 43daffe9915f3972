//go:build darwin
// +build darwin

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	// On macOS, use ~/Library/Application Support/AppName
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Application Support", AppDisplayName)
}

func binaryExtension() string {
	return ""
}
