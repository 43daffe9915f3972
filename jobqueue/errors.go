package jobqueue

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen bounds a failure message and each diagnostic line kept on
// a failed job.
const MaxMessageLen = 4096

var (
	// ErrJobNotFound is returned for an id the scheduler never issued.
	ErrJobNotFound = errors.New("job not found")
	// ErrClosed is returned once the scheduler has shut down.
	ErrClosed = errors.New("scheduler closed")
	// ErrEmptyURL rejects a submission without a source URL.
	ErrEmptyURL = errors.New("source url is empty")
	// ErrInvalidConcurrency rejects a concurrency limit below one.
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")
	// ErrInvalidTransition guards the lifecycle table.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	// KindLaunch means the engine could not be started.
	KindLaunch ErrorKind = "launch"
	// KindEngineExit means the engine ran and exited unsuccessfully.
	KindEngineExit ErrorKind = "engine_exit"
)

// EngineExitError reports a non-zero exit or a signal death, together with
// the last lines the engine printed.
type EngineExitError struct {
	ExitCode    int
	Signalled   bool
	Signal      string
	Diagnostics []string
}

func (e *EngineExitError) Error() string {
	var msg string
	if e.Signalled {
		msg = fmt.Sprintf("engine killed by signal %s", e.Signal)
	} else {
		msg = fmt.Sprintf("engine exited with code %d", e.ExitCode)
	}
	for i := len(e.Diagnostics) - 1; i >= 0; i-- {
		if line := e.Diagnostics[i]; strings.HasPrefix(line, "ERROR:") {
			return msg + ": " + line
		}
	}
	return msg
}

// JobError is the failure recorded on a Failed job.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	ExitCode    int       `json:"exitCode,omitempty"`
	Signalled   bool      `json:"signalled,omitempty"`
	Signal      string    `json:"signal,omitempty"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// LaunchFailure records a start failure. No process ran, so there is no
// exit code.
func LaunchFailure(err error) *JobError {
	return &JobError{Kind: KindLaunch, Message: Truncate(err.Error(), MaxMessageLen)}
}

// ExitFailure records an unsuccessful engine exit.
func ExitFailure(e *EngineExitError) *JobError {
	var diags []string
	if len(e.Diagnostics) > 0 {
		diags = make([]string, len(e.Diagnostics))
		for i, line := range e.Diagnostics {
			diags[i] = Truncate(line, MaxMessageLen)
		}
	}
	return &JobError{
		Kind:        KindEngineExit,
		Message:     Truncate(e.Error(), MaxMessageLen),
		ExitCode:    e.ExitCode,
		Signalled:   e.Signalled,
		Signal:      e.Signal,
		Diagnostics: diags,
	}
}

// Truncate shortens s to at most n bytes without splitting a rune. A cut
// string ends in "...".
func Truncate(s string, n int) string {
	const ellipsis = "..."
	if len(s) <= n {
		return s
	}
	if n <= len(ellipsis) {
		return s[:0]
	}
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
