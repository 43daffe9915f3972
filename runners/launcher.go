package runners

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/procrunner"
)

// Process is the part of a running engine a job unit needs.
// *procrunner.Process satisfies it.
type Process interface {
	Lines() <-chan procrunner.Line
	Wait() (procrunner.ExitStatus, error)
	Close() error
}

// Launcher starts engine processes. Cancelling ctx must stop the process.
type Launcher interface {
	Start(ctx context.Context, inv engine.Invocation) (Process, error)
}

// ProcLauncher launches the real engine through procrunner.
type ProcLauncher struct {
	Grace  time.Duration
	Logger *zap.Logger
}

// Start resolves an empty path through engine.Locate before launching.
func (l ProcLauncher) Start(ctx context.Context, inv engine.Invocation) (Process, error) {
	if inv.Path == "" {
		path, err := engine.Locate("")
		if err != nil {
			return nil, &procrunner.LaunchError{Path: engine.ExecutableName, Err: err}
		}
		inv.Path = path
	}
	p, err := procrunner.Start(ctx, inv,
		procrunner.WithGrace(l.Grace),
		procrunner.WithLogger(l.Logger),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
