package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stevecastle/grabq/platform"
)

// ExecutableName is the base name of the engine binary.
const ExecutableName = "yt-dlp"

// ErrNotFound is returned by Locate when no usable engine executable exists.
var ErrNotFound = errors.New("engine executable not found")

var versionPattern = regexp.MustCompile(`(\d{4}\.\d{2}\.\d{2}(?:\.\d+)?)`)

// BundledPath returns where a self-managed engine binary lives inside the data dir.
func BundledPath() string {
	return filepath.Join(platform.GetDataDir(), "bin", ExecutableName+platform.BinaryExtension())
}

// Locate resolves the engine executable. A configured value containing a path
// separator must exist and be executable; a bare name is looked up in PATH.
// With nothing configured, yt-dlp in PATH wins over the bundled copy.
func Locate(configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return resolve(configured)
	}
	if p, err := exec.LookPath(ExecutableName); err == nil {
		return p, nil
	}
	bundled := BundledPath()
	if info, err := os.Stat(bundled); err == nil && platform.IsExecutable(info) {
		return bundled, nil
	}
	return "", fmt.Errorf("%w: %s not in PATH or %s", ErrNotFound, ExecutableName, bundled)
}

func resolve(path string) (string, error) {
	if !strings.ContainsAny(path, `/\`) {
		p, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return p, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !platform.IsExecutable(info) {
		return "", fmt.Errorf("%w: %s is not executable", ErrNotFound, path)
	}
	return path, nil
}

// Version runs `<path> --version` and extracts the release tag.
func Version(ctx context.Context, path string) (string, error) {
	versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(versionCtx, path, "--version")
	platform.ConfigureProcess(cmd)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("engine version check failed: %w", err)
	}
	return parseVersion(string(output)), nil
}

// parseVersion extracts version number from yt-dlp's version output.
func parseVersion(output string) string {
	// yt-dlp outputs version like "2024.01.01" or "2024.01.01.123456"
	matches := versionPattern.FindStringSubmatch(output)
	if len(matches) > 1 {
		return matches[1]
	}
	return "unknown"
}
