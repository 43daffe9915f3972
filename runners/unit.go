package runners

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/jobqueue"
	"github.com/stevecastle/grabq/procrunner"
	"github.com/stevecastle/grabq/progress"
	"github.com/stevecastle/grabq/stream"
)

type msgKind int

const (
	// msgActive reports the first sign of transfer. The unit waits for ack.
	msgActive msgKind = iota
	// msgExit reports that the engine is gone or never started.
	msgExit
)

type unitMsg struct {
	kind msgKind
	job  *jobqueue.Job
	ack  chan struct{}

	exit      procrunner.ExitStatus
	waitErr   error
	launchErr error
}

// unit is the control loop's handle on one running job.
type unit struct {
	job    *jobqueue.Job
	cancel context.CancelFunc
}

// run drives one job's engine process until it exits. Progress and log
// lines are applied to the job directly; status changes go through the
// control loop.
func (s *Scheduler) run(ctx context.Context, u *unit) {
	j := u.job
	logger := s.logger.With(zap.String("job_id", j.ID), zap.String("url", j.SourceURL))

	inv := engine.Build(j.Options.EnginePath, j.SourceURL, j.Options)
	logger.Debug("launching engine", zap.String("invocation", inv.String()))

	proc, err := s.launcher.Start(ctx, inv)
	if err != nil {
		var le *procrunner.LaunchError
		if errors.As(err, &le) {
			logger.Warn("engine launch failed", zap.String("path", le.Path), zap.Error(le.Err))
		} else {
			logger.Warn("engine launch failed", zap.Error(err))
		}
		s.msgs <- unitMsg{kind: msgExit, job: j, launchErr: err}
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.ProgressRate), 1)
	active := false
	markActive := func() {
		if active {
			return
		}
		active = true
		ack := make(chan struct{})
		s.msgs <- unitMsg{kind: msgActive, job: j, ack: ack}
		<-ack
	}

	for line := range proc.Lines() {
		switch ev := progress.Parse(line.Text).(type) {
		case progress.ProgressEvent:
			markActive()
			if !j.ApplyProgress(ev) {
				continue
			}
			// Final ticks bypass the limiter so subscribers see 100%.
			if ev.Finished || ev.Percent >= 100 || limiter.Allow() {
				s.publishProgress(j)
			}

		case progress.InfoEvent:
			markActive()
			applyInfo(j, ev)
			s.appendLog(j, line.Text)

		case progress.DiagnosticLine:
			if ev.Severity == progress.SeverityError {
				logger.Debug("engine error line", zap.String("message", ev.Message))
			}
			s.appendLog(j, line.Text)
		}
	}

	status, waitErr := proc.Wait()
	if err := proc.Close(); err != nil && waitErr == nil {
		waitErr = err
	}
	s.msgs <- unitMsg{kind: msgExit, job: j, exit: status, waitErr: waitErr}
}

// applyInfo folds a stage or file report into the job. Subtitle and
// thumbnail sub-downloads only change the stage text.
func applyInfo(j *jobqueue.Job, ev progress.InfoEvent) {
	switch ev.Kind {
	case progress.Destination:
		setOutput(j, ev.Path)
		j.SetStage("downloading")
	case progress.Merge:
		setOutput(j, ev.Path)
		j.SetStage("merging")
	case progress.AlreadyDownloaded:
		setOutput(j, ev.Path)
		j.SetStage("already downloaded")
	case progress.MoveFile:
		setOutput(j, ev.Path)
		j.SetStage("moving files")
	case progress.SubtitlesRequested:
		j.SetStage("downloading subtitles")
	case progress.SubtitleWritten:
		j.SetStage("writing subtitles")
	case progress.ThumbnailWritten:
		j.SetStage("writing thumbnail")
	case progress.FormatsSelected:
		if ev.VideoID != "" {
			j.SetVideoID(ev.VideoID)
		}
		j.SetStage("formats selected: " + ev.Detail)
	}
}

func setOutput(j *jobqueue.Job, path string) {
	j.SetDestination(path)
	if title := titleFromPath(path, j.VideoID()); title != "" {
		j.SetTitle(title)
	}
}

// titleFromPath recovers the title from a file named by the default
// "%(title)s [%(id)s].%(ext)s" template. Format suffixes such as ".f137"
// and the bracketed id are removed.
func titleFromPath(path, videoID string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if ext := filepath.Ext(name); isFormatSuffix(ext) {
		name = strings.TrimSuffix(name, ext)
	}
	if videoID != "" {
		name = strings.TrimSuffix(name, " ["+videoID+"]")
	}
	return strings.TrimSpace(name)
}

func isFormatSuffix(ext string) bool {
	if len(ext) < 3 || ext[1] != 'f' {
		return false
	}
	for _, r := range ext[2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Scheduler) appendLog(j *jobqueue.Job, line string) {
	j.AppendLog(line)
	s.bus.Publish(stream.Event{
		Type:   stream.EventLog,
		JobID:  j.ID,
		Status: j.Status(),
		Line:   line,
	})
}

func (s *Scheduler) publishProgress(j *jobqueue.Job) {
	s.bus.Publish(stream.Event{
		Type:     stream.EventProgress,
		JobID:    j.ID,
		Status:   j.Status(),
		Progress: j.Progress(),
	})
}
