// Package procrunner supervises one engine subprocess: it launches it in its
// own process group, merges stdout and stderr into a single line stream and
// stops it cooperatively with escalation to a forced kill.
package procrunner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/platform"
)

// DefaultGrace is how long Terminate waits after the cooperative signal
// before killing the process tree.
const DefaultGrace = 3 * time.Second

// MaxLineSize bounds a single output line. Longer lines are skipped and
// the lines after them are still delivered.
const MaxLineSize = 1 << 20

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of engine output without its terminator.
type Line struct {
	Stream Stream
	Text   string
}

// ExitStatus describes how the process ended. Code is -1 when Signalled.
type ExitStatus struct {
	Code      int
	Signalled bool
	Signal    string
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return !s.Signalled && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signalled {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// LaunchError reports that the engine could not be started at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Option configures Start.
type Option func(*options)

type options struct {
	grace  time.Duration
	logger *zap.Logger
}

// WithGrace sets the cooperative-stop grace period.
func WithGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithLogger sets the logger used for launch and exit records.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Process is a running engine invocation. Callers must either drain Lines
// or call Close.
type Process struct {
	cmd    *exec.Cmd
	path   string
	grace  time.Duration
	logger *zap.Logger

	lines     chan Line
	linesDone chan struct{}
	readers   []*os.File

	exited  chan struct{}
	status  ExitStatus
	waitErr error

	termOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Start launches inv. It returns a *LaunchError when the executable is
// missing, not executable or fails to start. Cancelling ctx terminates the
// process with the same escalation as Terminate.
func Start(ctx context.Context, inv engine.Invocation, opts ...Option) (*Process, error) {
	o := options{grace: DefaultGrace, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if inv.Path == "" {
		return nil, &LaunchError{Path: inv.Path, Err: engine.ErrNotFound}
	}
	path, err := engine.Locate(inv.Path)
	if err != nil {
		return nil, &LaunchError{Path: inv.Path, Err: err}
	}

	cmd := exec.Command(path, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	platform.ConfigureProcess(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &LaunchError{Path: path, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, &LaunchError{Path: path, Err: err}
	}
	// The child holds its own copies; ours must go so readers see EOF.
	outW.Close()
	errW.Close()

	p := &Process{
		cmd:       cmd,
		path:      path,
		grace:     o.grace,
		logger:    o.logger.With(zap.Int("pid", cmd.Process.Pid)),
		lines:     make(chan Line, 64),
		linesDone: make(chan struct{}),
		readers:   []*os.File{outR, errR},
		exited:    make(chan struct{}),
	}
	p.logger.Info("engine started", zap.String("path", path), zap.Strings("args", inv.Args))

	var g errgroup.Group
	g.Go(func() error { return p.scan(outR, Stdout) })
	g.Go(func() error { return p.scan(errR, Stderr) })
	go func() {
		if err := g.Wait(); err != nil {
			p.logger.Debug("output reader stopped", zap.Error(err))
		}
		close(p.lines)
		close(p.linesDone)
	}()

	go p.wait()

	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("context cancelled, terminating engine")
			p.Terminate()
		case <-p.exited:
		}
	}()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state != nil {
		p.status.Code = state.ExitCode()
		p.status.Signalled, p.status.Signal = platform.ExitSignal(state)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = fmt.Errorf("wait for engine: %w", err)
	}
	p.logger.Info("engine exited",
		zap.Int("exit_code", p.status.Code),
		zap.Bool("signalled", p.status.Signalled),
		zap.String("signal", p.status.Signal),
	)
	close(p.exited)
}

func (p *Process) scan(r *os.File, stream Stream) error {
	defer r.Close()
	var ls lineSplitter
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	sc.Split(ls.split)
	for sc.Scan() {
		text := string(sc.Bytes())
		if text == "" {
			continue
		}
		p.lines <- Line{Stream: stream, Text: text}
	}
	if ls.dropped > 0 {
		p.logger.Warn("dropped oversized output lines",
			zap.Stringer("stream", stream),
			zap.Int("count", ls.dropped),
		)
	}
	err := sc.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// lineSplitter wraps scanLines so that a line longer than MaxLineSize is
// skipped up to its terminator and scanning resumes with the next line.
type lineSplitter struct {
	discarding bool
	dropped    int
}

func (ls *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if ls.discarding {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			return len(data), nil, nil
		}
		ls.discarding = false
		return i + 1, nil, nil
	}
	advance, token, err := scanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= MaxLineSize {
		ls.discarding = true
		ls.dropped++
		return len(data), nil, nil
	}
	return advance, token, err
}

// scanLines splits on \n, \r\n or a bare \r so carriage-return progress
// redraws become separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell \r from \r\n.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Path returns the resolved executable path.
func (p *Process) Path() string {
	return p.path
}

// Lines returns the merged output stream. It is closed once both pipes
// reach EOF.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Terminate asks the process tree to stop, kills it once the grace period
// elapses and returns after the exit is observed. It is safe to call more
// than once and from several goroutines.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.logger.Info("terminating engine", zap.Duration("grace", p.grace))
		if err := platform.Interrupt(p.cmd.Process); err != nil {
			p.logger.Debug("interrupt failed", zap.Error(err))
		}
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("engine ignored interrupt, killing")
			if err := platform.Kill(p.cmd.Process); err != nil {
				p.logger.Debug("kill failed", zap.Error(err))
			}
		}
	})
	<-p.exited
}

// Wait blocks until the process exits. A non-zero exit is reported in the
// status, not as an error.
func (p *Process) Wait() (ExitStatus, error) {
	<-p.exited
	return p.status, p.waitErr
}

// Close terminates the process if it is still running, waits for it and
// discards any unread output.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.Terminate()
		go func() {
			// Grandchildren that escaped the group kill can hold the pipes open.
			select {
			case <-p.linesDone:
			case <-time.After(p.grace):
				for _, r := range p.readers {
					r.Close()
				}
			}
		}()
		for range p.lines {
		}
		p.closeErr = p.waitErr
	})
	return p.closeErr
}

// Run starts inv, hands the process to fn and always closes it. Output fn
// leaves unread is discarded. The exit status is returned even when fn fails.
func Run(ctx context.Context, inv engine.Invocation, fn func(*Process) error, opts ...Option) (ExitStatus, error) {
	p, err := Start(ctx, inv, opts...)
	if err != nil {
		return ExitStatus{}, err
	}
	defer p.Close()

	fnErr := fn(p)
	if fnErr != nil {
		p.Terminate()
	}
	for range p.lines {
	}
	status, err := p.Wait()
	if fnErr != nil {
		return status, fnErr
	}
	return status, err
}
