// Package runners schedules download jobs onto engine processes.
package runners

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/appconfig"
	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/jobqueue"
	"github.com/stevecastle/grabq/stream"
)

// historyTimeout bounds a single history write from the control loop.
const historyTimeout = 5 * time.Second

// DefaultDiagnosticLines is how many trailing output lines a failed job keeps.
const DefaultDiagnosticLines = 20

// Config tunes a Scheduler.
type Config struct {
	MaxConcurrency  int
	LogTail         int
	DiagnosticLines int
	// ProgressRate caps progress events per second per job.
	ProgressRate float64
	// RetainFinished is how many terminal jobs stay queryable. Zero keeps all.
	RetainFinished int
	// Grace is how long a cancelled engine gets before it is killed.
	Grace time.Duration
	// Defaults fill unset job options at submission.
	Defaults engine.Options
}

// ConfigFrom maps application settings onto scheduler settings.
func ConfigFrom(c appconfig.Config) Config {
	return Config{
		MaxConcurrency:  c.Scheduler.MaxConcurrency,
		LogTail:         c.Scheduler.LogTail,
		DiagnosticLines: c.Scheduler.DiagnosticLines,
		ProgressRate:    c.Scheduler.ProgressRate,
		RetainFinished:  c.Scheduler.RetainFinished,
		Grace:           c.Engine.TerminateGrace,
		Defaults:        DefaultOptions(c),
	}
}

// DefaultOptions returns the job options implied by the download and engine
// settings.
func DefaultOptions(c appconfig.Config) engine.Options {
	return engine.Options{
		Format:         c.Download.Format,
		Subtitles:      append([]string(nil), c.Download.Subtitles...),
		Thumbnail:      engine.Bool(c.Download.Thumbnail),
		Dir:            c.Download.Dir,
		OutputTemplate: c.Download.OutputTemplate,
		CookiesBrowser: c.Engine.CookiesBrowser,
		Threads:        c.Engine.Threads,
		NoPlaylist:     engine.Bool(c.Download.NoPlaylist),
		ExtraArgs:      append([]string(nil), c.Engine.ExtraArgs...),
		EnginePath:     c.Engine.Path,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.LogTail < 1 {
		c.LogTail = jobqueue.DefaultLogTail
	}
	if c.DiagnosticLines < 1 {
		c.DiagnosticLines = DefaultDiagnosticLines
	}
	if c.ProgressRate <= 0 {
		c.ProgressRate = 10
	}
	if c.RetainFinished < 0 {
		c.RetainFinished = 0
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithHistory records every terminal job in store.
func WithHistory(store history.Store) Option {
	return func(s *Scheduler) { s.history = store }
}

// WithBus publishes to an existing bus. The caller keeps ownership.
func WithBus(b *stream.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
			s.ownsBus = false
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued int `json:"queued"`
	// Active counts jobs fetching info or downloading. Running also counts
	// cancelled jobs whose engine has not exited yet.
	Active         int `json:"active"`
	Running        int `json:"running"`
	Total          int `json:"total"`
	MaxConcurrency int `json:"maxConcurrency"`
}

// Scheduler accepts jobs, runs at most MaxConcurrency of them at once in
// submission order and reports their lifecycle on the bus. A single control
// goroutine owns the job table; each running job has its own unit goroutine
// that reports back over a channel.
type Scheduler struct {
	cfg      Config
	launcher Launcher
	history  history.Store
	bus      *stream.Bus
	ownsBus  bool
	logger   *zap.Logger

	defaultsMu sync.RWMutex
	defaults   engine.Options

	reqs chan func()
	msgs chan unitMsg
	done chan struct{}

	// Owned by the control goroutine.
	table   *jobqueue.Table
	running map[string]*unit
	max     int
	closing bool
}

// New starts a Scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		defaults: cfg.Defaults,
		logger:   zap.NewNop(),
		reqs:     make(chan func()),
		msgs:     make(chan unitMsg),
		done:     make(chan struct{}),
		table:    jobqueue.NewTable(),
		running:  make(map[string]*unit),
		max:      cfg.MaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = stream.NewBus(stream.WithLogger(s.logger))
		s.ownsBus = true
	}
	if s.launcher == nil {
		s.launcher = ProcLauncher{Grace: s.cfg.Grace, Logger: s.logger}
	}

	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.reqs:
			fn()
		case m := <-s.msgs:
			s.handle(m)
		}
		if s.closing && len(s.running) == 0 {
			return
		}
	}
}

// do runs fn on the control goroutine and waits for it.
func (s *Scheduler) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.reqs <- func() { fn(); close(finished) }:
	case <-s.done:
		return jobqueue.ErrClosed
	}
	<-finished
	return nil
}

// Bus returns the event bus jobs publish to.
func (s *Scheduler) Bus() *stream.Bus {
	return s.bus
}

// Subscribe follows one job, or every job when jobID is empty.
func (s *Scheduler) Subscribe(jobID string) *stream.Subscription {
	return s.bus.Subscribe(jobID)
}

// SetDefaults replaces the options applied to future submissions. Jobs
// already submitted keep the options they were given.
func (s *Scheduler) SetDefaults(opts engine.Options) {
	s.defaultsMu.Lock()
	s.defaults = opts
	s.defaultsMu.Unlock()
}

// Defaults returns the options applied to new submissions.
func (s *Scheduler) Defaults() engine.Options {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

// Submit enqueues a download of url. It never rejects a job for load.
func (s *Scheduler) Submit(url string, opts engine.Options) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", jobqueue.ErrEmptyURL
	}
	opts = opts.Merge(s.Defaults()).Resolved()

	id := uuid.NewString()
	var err error
	if doErr := s.do(func() {
		if s.closing {
			err = jobqueue.ErrClosed
			return
		}
		j := jobqueue.NewJob(id, url, opts, s.cfg.LogTail, time.Now())
		s.table.Add(j)
		s.logger.Info("job submitted", zap.String("job_id", id), zap.String("url", url))
		s.publishState(j)
		s.dispatch()
	}); doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Cancel stops a live job. Cancelling a terminal job is a no-op, including
// one already pruned from the table.
func (s *Scheduler) Cancel(id string) error {
	var err error
	if doErr := s.do(func() {
		j, ok := s.table.Get(id)
		if !ok {
			if _, gone := s.table.Pruned(id); !gone {
				err = jobqueue.ErrJobNotFound
			}
			return
		}
		s.cancel(j)
		s.dispatch()
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetMaxConcurrency changes how many jobs may run at once. Lowering it never
// interrupts running jobs.
func (s *Scheduler) SetMaxConcurrency(n int) error {
	if n < 1 {
		return jobqueue.ErrInvalidConcurrency
	}
	return s.do(func() {
		s.logger.Info("max concurrency changed", zap.Int("from", s.max), zap.Int("to", n))
		s.max = n
		s.dispatch()
	})
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (jobqueue.Snapshot, error) {
	var (
		snap jobqueue.Snapshot
		err  error
	)
	if doErr := s.do(func() {
		j, ok := s.table.Get(id)
		if !ok {
			err = jobqueue.ErrJobNotFound
			return
		}
		snap = j.Snapshot()
	}); doErr != nil {
		return jobqueue.Snapshot{}, doErr
	}
	return snap, err
}

// List returns snapshots of every known job, newest first.
func (s *Scheduler) List() ([]jobqueue.Snapshot, error) {
	var out []jobqueue.Snapshot
	err := s.do(func() {
		jobs := s.table.List()
		out = make([]jobqueue.Snapshot, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.Snapshot())
		}
	})
	return out, err
}

// Stats returns queue counters.
func (s *Scheduler) Stats() (Stats, error) {
	var st Stats
	err := s.do(func() {
		st = Stats{
			Queued:         s.table.QueuedCount(),
			Active:         s.table.ActiveCount(),
			Running:        len(s.running),
			Total:          s.table.Len(),
			MaxConcurrency: s.max,
		}
	})
	return st, err
}

// Shutdown cancels every live job and waits for their engines to exit.
// Later submissions fail with ErrClosed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.do(func() {
		if s.closing {
			return
		}
		s.closing = true
		live := s.table.Live()
		s.logger.Info("scheduler shutting down", zap.Int("live_jobs", len(live)))
		for _, j := range live {
			s.cancel(j)
		}
	})
	if err != nil && !errors.Is(err, jobqueue.ErrClosed) {
		return err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.ownsBus {
		s.bus.Close()
	}
	return nil
}

// dispatch starts the oldest queued jobs while slots are free.
func (s *Scheduler) dispatch() {
	if s.closing {
		return
	}
	for len(s.running) < s.max {
		j := s.table.Pop()
		if j == nil {
			return
		}
		s.start(j)
	}
}

func (s *Scheduler) start(j *jobqueue.Job) {
	if err := j.SetStatus(jobqueue.StatusFetchingInfo, time.Now()); err != nil {
		s.logger.Error("dispatch rejected", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{job: j, cancel: cancel}
	s.running[j.ID] = u
	s.logger.Info("job dispatched",
		zap.String("job_id", j.ID),
		zap.Int("running", len(s.running)),
		zap.Int("max_concurrency", s.max),
	)
	s.publishState(j)
	go s.run(ctx, u)
}

func (s *Scheduler) cancel(j *jobqueue.Job) {
	if j.Status().IsTerminal() {
		return
	}
	if err := j.SetStatus(jobqueue.StatusCancelled, time.Now()); err != nil {
		s.logger.Error("cancel rejected", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	if u, ok := s.running[j.ID]; ok {
		// The slot is released when the unit reports the exit.
		u.cancel()
	}
	s.finish(j)
}

func (s *Scheduler) handle(m unitMsg) {
	j := m.job
	switch m.kind {
	case msgActive:
		if j.Status() == jobqueue.StatusFetchingInfo {
			if err := j.SetStatus(jobqueue.StatusDownloading, time.Now()); err == nil {
				s.publishState(j)
			}
		}
		close(m.ack)

	case msgExit:
		if u, ok := s.running[j.ID]; ok {
			u.cancel()
			delete(s.running, j.ID)
		}
		if !j.Status().IsTerminal() {
			s.complete(j, m)
		}
		s.dispatch()
	}
}

// complete converts a unit's exit report into a terminal state.
func (s *Scheduler) complete(j *jobqueue.Job, m unitMsg) {
	now := time.Now()
	var err error
	switch {
	case m.launchErr != nil:
		err = j.Fail(jobqueue.LaunchFailure(m.launchErr), now)
	case m.waitErr == nil && m.exit.Success():
		err = j.SetStatus(jobqueue.StatusCompleted, now)
	default:
		if m.waitErr != nil {
			s.logger.Warn("engine wait failed", zap.String("job_id", j.ID), zap.Error(m.waitErr))
		}
		err = j.Fail(jobqueue.ExitFailure(&jobqueue.EngineExitError{
			ExitCode:    m.exit.Code,
			Signalled:   m.exit.Signalled,
			Signal:      m.exit.Signal,
			Diagnostics: j.LastLog(s.cfg.DiagnosticLines),
		}), now)
	}
	if err != nil {
		s.logger.Error("completion rejected", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	s.finish(j)
}

// finish runs once per job after it becomes terminal.
func (s *Scheduler) finish(j *jobqueue.Job) {
	snap := j.Snapshot()
	fields := []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("url", j.SourceURL),
		zap.String("status", snap.Status.Key()),
	}
	if snap.Error != nil {
		fields = append(fields, zap.String("error", snap.Error.Message))
	}
	s.logger.Info("job finished", fields...)

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.history.Record(ctx, history.FromSnapshot(snap)); err != nil {
			s.logger.Error("failed to record history", zap.String("job_id", j.ID), zap.Error(err))
		}
		cancel()
	}
	s.publishState(j)

	if s.cfg.RetainFinished > 0 {
		if n := s.table.PruneTerminal(s.cfg.RetainFinished); n > 0 {
			s.logger.Debug("pruned finished jobs", zap.Int("count", n))
		}
	}
}

func (s *Scheduler) publishState(j *jobqueue.Job) {
	s.bus.Publish(stream.Event{
		Type:     stream.EventState,
		JobID:    j.ID,
		Status:   j.Status(),
		Progress: j.Progress(),
		Error:    j.Err(),
	})
}
