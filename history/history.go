// Package history keeps an append-only record of finished downloads.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/jobqueue"
)

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown history backend")

// Record summarises one job that reached a terminal state. Records are
// never updated once written.
type Record struct {
	JobID       string          `json:"jobId"`
	SourceURL   string          `json:"sourceUrl"`
	FinalStatus jobqueue.Status `json:"finalStatus"`
	SubmittedAt time.Time       `json:"submittedAt"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Destination string          `json:"destination,omitempty"`
	Format      string          `json:"format,omitempty"`
	Title       string          `json:"title,omitempty"`
	VideoID     string          `json:"videoId,omitempty"`
	Subtitles   []string        `json:"subtitles,omitempty"`
	// FileSize is the downloaded size in bytes, zero when unknown or when
	// the job did not complete.
	FileSize     int64              `json:"fileSize,omitempty"`
	ErrorKind    jobqueue.ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// FromSnapshot builds the record for a terminal job.
func FromSnapshot(s jobqueue.Snapshot) Record {
	r := Record{
		JobID:       s.ID,
		SourceURL:   s.SourceURL,
		FinalStatus: s.Status,
		SubmittedAt: s.SubmittedAt,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		Destination: s.Destination,
		Format:      s.Options.Format,
		Title:       s.Title,
		VideoID:     s.VideoID,
	}
	if len(s.Options.Subtitles) > 0 {
		r.Subtitles = append([]string(nil), s.Options.Subtitles...)
	}
	if s.Status == jobqueue.StatusCompleted && s.Progress.TotalBytes > 0 {
		r.FileSize = s.Progress.TotalBytes
	}
	if s.Error != nil {
		r.ErrorKind = s.Error.Kind
		r.ErrorMessage = s.Error.Message
	}
	return r
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Statuses []jobqueue.Status
	// URLPattern is a doublestar glob matched against the source URL.
	URLPattern string
	// Query is a case-insensitive keyword matched against title and URL.
	Query string
	Since time.Time
	Until time.Time
	Limit int
}

// Validate reports a malformed URL pattern.
func (f Filter) Validate() error {
	if f.URLPattern != "" && !doublestar.ValidatePattern(f.URLPattern) {
		return fmt.Errorf("invalid url pattern %q: %w", f.URLPattern, doublestar.ErrBadPattern)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", f.Limit)
	}
	return nil
}

// Match reports whether r passes every condition of f.
func (f Filter) Match(r Record) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == r.FinalStatus {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && r.FinishedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.FinishedAt.After(f.Until) {
		return false
	}
	if f.URLPattern != "" {
		ok, err := doublestar.Match(f.URLPattern, r.SourceURL)
		if err != nil || !ok {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(r.Title), q) && !strings.Contains(strings.ToLower(r.SourceURL), q) {
			return false
		}
	}
	return true
}

// Stats aggregates every record in a store.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// TotalSize sums FileSize over all records.
	TotalSize int64 `json:"totalSize"`
}

func (st *Stats) add(r Record) {
	st.Total++
	switch r.FinalStatus {
	case jobqueue.StatusCompleted:
		st.Completed++
	case jobqueue.StatusFailed:
		st.Failed++
	case jobqueue.StatusCancelled:
		st.Cancelled++
	}
	if r.FileSize > 0 {
		st.TotalSize += r.FileSize
	}
}

type options struct {
	logger *zap.Logger
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger used for warnings such as skipped records.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store persists records and lists them newest first.
type Store interface {
	Record(ctx context.Context, r Record) error
	List(ctx context.Context, f Filter) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open returns the store for backend at path, creating parent directories.
func Open(backend, path string, opts ...Option) (Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	switch strings.ToLower(backend) {
	case "", BackendJSONL:
		s, err := OpenJSONL(path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := OpenSQLite(path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// sortNewestFirst orders write-ordered records by FinishedAt descending.
// Ties go to the later write.
func sortNewestFirst(recs []Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].FinishedAt.After(recs[j].FinishedAt)
	})
}
