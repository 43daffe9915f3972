package jobqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/progress"
)

// Unknown marks a progress figure the engine has not reported.
const Unknown = progress.Unknown

// Progress is the latest transfer figures for a job.
type Progress struct {
	Percent          float64 `json:"percent"`
	SpeedBytesPerSec float64 `json:"speedBytesPerSec"`
	ETASeconds       int64   `json:"etaSeconds"`
	TotalBytes       int64   `json:"totalBytes"`
	Stage            string  `json:"stage,omitempty"`
}

// UnknownProgress is the progress of a job that has not reported anything.
func UnknownProgress() Progress {
	return Progress{
		Percent:          Unknown,
		SpeedBytesPerSec: Unknown,
		ETASeconds:       Unknown,
		TotalBytes:       Unknown,
	}
}

// Job is one download request and its lifecycle. Status is only changed by
// the scheduler; the job's runner updates progress, stage, destination and
// log through the methods below.
type Job struct {
	ID          string
	SourceURL   string
	Options     engine.Options
	SubmittedAt time.Time

	mu          sync.RWMutex
	status      Status
	progress    Progress
	log         *LogTail
	err         *JobError
	destination string
	title       string
	videoID     string
	startedAt   time.Time
	finishedAt  time.Time
}

// NewJob creates a Queued job keeping at most logTail output lines.
func NewJob(id, url string, opts engine.Options, logTail int, now time.Time) *Job {
	return &Job{
		ID:          id,
		SourceURL:   url,
		Options:     opts,
		SubmittedAt: now,
		status:      StatusQueued,
		progress:    UnknownProgress(),
		log:         NewLogTail(logTail),
	}
}

// Snapshot is an immutable copy of a job for presentation.
type Snapshot struct {
	ID          string         `json:"id"`
	SourceURL   string         `json:"sourceUrl"`
	Options     engine.Options `json:"options"`
	Status      Status         `json:"status"`
	Progress    Progress       `json:"progress"`
	LogTail     []string       `json:"logTail,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Title       string         `json:"title,omitempty"`
	VideoID     string         `json:"videoId,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	StartedAt   time.Time      `json:"startedAt,omitzero"`
	FinishedAt  time.Time      `json:"finishedAt,omitzero"`
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var jerr *JobError
	if j.err != nil {
		cp := *j.err
		cp.Diagnostics = append([]string(nil), j.err.Diagnostics...)
		jerr = &cp
	}
	return Snapshot{
		ID:          j.ID,
		SourceURL:   j.SourceURL,
		Options:     j.Options,
		Status:      j.status,
		Progress:    j.progress,
		LogTail:     j.log.Lines(),
		Error:       jerr,
		Destination: j.destination,
		Title:       j.title,
		VideoID:     j.videoID,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

func (j *Job) Progress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

func (j *Job) Destination() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.destination
}

func (j *Job) Err() *JobError {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// SetStatus moves the job along the lifecycle. Entering FetchingInfo stamps
// the start time, entering a terminal state stamps the finish time and
// Completed forces the percentage to 100.
func (j *Job) SetStatus(to Status, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStatusLocked(to, now)
}

func (j *Job) setStatusLocked(to Status, now time.Time) error {
	from := j.status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.status = to
	switch {
	case to == StatusFetchingInfo:
		j.startedAt = now
		j.progress.Stage = "fetching info"
	case to == StatusDownloading:
		if j.progress.Stage == "" || j.progress.Stage == "fetching info" {
			j.progress.Stage = "downloading"
		}
	case to.IsTerminal():
		j.finishedAt = now
		if j.startedAt.IsZero() {
			j.startedAt = j.SubmittedAt
		}
		j.progress.SpeedBytesPerSec = Unknown
		j.progress.Stage = to.Key()
		if to == StatusCompleted {
			j.progress.Percent = 100
			j.progress.ETASeconds = 0
		}
	}
	return nil
}

// Fail moves the job to Failed and records why.
func (j *Job) Fail(jerr *JobError, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.setStatusLocked(StatusFailed, now); err != nil {
		return err
	}
	j.err = jerr
	return nil
}

// ApplyProgress folds a progress tick into the job. Percentage never goes
// backwards: a lower value (the next stream of a merged download) keeps the
// previous percentage and total but still refreshes speed and ETA. It
// reports whether anything changed.
func (j *Job) ApplyProgress(ev progress.ProgressEvent) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	before := j.progress
	p := &j.progress
	if ev.Percent != Unknown && (p.Percent == Unknown || ev.Percent >= p.Percent) {
		p.Percent = ev.Percent
		if ev.TotalBytes != Unknown {
			p.TotalBytes = ev.TotalBytes
		}
	}
	p.SpeedBytesPerSec = ev.SpeedBytesPerSec
	p.ETASeconds = ev.ETASeconds
	if ev.Finished {
		p.ETASeconds = 0
	}
	return *p != before
}

// SetStage replaces the human readable stage text.
func (j *Job) SetStage(stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.IsTerminal() {
		j.progress.Stage = stage
	}
}

// SetDestination records the latest output path the engine reported.
func (j *Job) SetDestination(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.destination = path
}

// SetVideoID records the extractor's id for the video.
func (j *Job) SetVideoID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.videoID = id
}

func (j *Job) VideoID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.videoID
}

// SetTitle records the video title once it is known.
func (j *Job) SetTitle(title string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.title = title
}

// AppendLog adds a raw output line to the tail.
func (j *Job) AppendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log.Append(line)
}

// LastLog returns the newest n log lines, oldest first.
func (j *Job) LastLog(n int) []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.log.Last(n)
}
