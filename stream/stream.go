// Package stream fans job events out to any number of subscribers without
// ever blocking the publisher.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stevecastle/grabq/jobqueue"
)

const (
	// DefaultProgressBuffer is how many lossy events a subscriber may have
	// queued before the oldest is dropped.
	DefaultProgressBuffer = 64
)

// EventType names what changed.
type EventType string

const (
	// EventState is a status transition. It is never dropped.
	EventState EventType = "state"
	// EventProgress is a progress update. Slow subscribers lose old ones.
	EventProgress EventType = "progress"
	// EventLog is a raw engine output line. Lossy like progress.
	EventLog EventType = "log"
)

// Event is one notification about a job.
type Event struct {
	Type     EventType          `json:"type"`
	JobID    string             `json:"jobId"`
	Status   jobqueue.Status    `json:"status"`
	Progress jobqueue.Progress  `json:"progress"`
	Line     string             `json:"line,omitempty"`
	Error    *jobqueue.JobError `json:"error,omitempty"`
	Time     time.Time          `json:"time"`
}

func (e Event) lossy() bool {
	return e.Type != EventState
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithProgressBuffer sets the per-subscriber cap on queued lossy events.
func WithProgressBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.progressCap = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is a publish/subscribe hub for job events.
type Bus struct {
	mu          sync.Mutex
	subs        map[*Subscription]struct{}
	closed      bool
	progressCap int
	logger      *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus returns an open Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[*Subscription]struct{}),
		progressCap: DefaultProgressBuffer,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands ev to every matching subscriber and returns immediately.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for s := range b.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		if s.enqueue(ev, b.progressCap) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers interest in one job, or in every job when jobID is
// empty. The subscription must be closed when no longer needed.
func (b *Bus) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		bus:    b,
		jobID:  jobID,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("job_id", jobID), zap.Int("subscribers", n))
	go s.pump()
	return s
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close ends every subscription. Later publishes are ignored and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("subscriber removed", zap.String("job_id", s.jobID), zap.Int("subscribers", n))
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus   *Bus
	jobID string

	mu      sync.Mutex
	pending []Event
	lossy   int

	signal    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// C delivers events in publish order. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// JobID returns the filter, empty for all jobs.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close unsubscribes. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

// enqueue queues ev and reports whether an older lossy event was dropped
// to make room.
func (s *Subscription) enqueue(ev Event, lossyCap int) bool {
	s.mu.Lock()
	dropped := false
	if ev.lossy() {
		if s.lossy >= lossyCap {
			for i, old := range s.pending {
				if old.lossy() {
					s.pending = append(s.pending[:i], s.pending[i+1:]...)
					s.lossy--
					dropped = true
					break
				}
			}
		}
		s.lossy++
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Event{}, false
	}
	ev := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	if ev.lossy() {
		s.lossy--
	}
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
