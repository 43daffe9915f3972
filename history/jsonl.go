package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const maxRecordLine = 1024 * 1024

// JSONLStore appends one JSON object per line and fsyncs every record.
type JSONLStore struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// OpenJSONL opens or creates the file at path. A torn final line left by a
// crash is terminated so the next record starts on a fresh line.
func OpenJSONL(path string, opts ...Option) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	if err := terminateLastLine(f); err != nil {
		f.Close()
		return nil, err
	}
	o := buildOptions(opts)
	return &JSONLStore{path: path, f: f, logger: o.logger}, nil
}

func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat history file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read history file: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to repair history file: %w", err)
	}
	return f.Sync()
}

// Record appends r and syncs it to disk before returning.
func (s *JSONLStore) Record(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync history file: %w", err)
	}
	return nil
}

// List reads every record, skipping lines that do not decode.
func (s *JSONLStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, os.ErrClosed
	}

	rf, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer rf.Close()

	recs, err := s.decode(ctx, rf, f)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs, nil
}

func (s *JSONLStore) decode(ctx context.Context, r io.Reader, f Filter) ([]Record, error) {
	var skip recordSplitter
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	scanner.Split(skip.split)
	recs := []Record{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping unreadable history line",
				zap.String("path", s.path),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		if f.Match(rec) {
			recs = append(recs, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	if skip.skipped > 0 {
		s.logger.Warn("skipping oversized history lines",
			zap.String("path", s.path),
			zap.Int("count", skip.skipped),
		)
	}
	return recs, nil
}

// recordSplitter splits on newlines like bufio.ScanLines but passes over a
// line longer than maxRecordLine instead of failing the scan.
type recordSplitter struct {
	discarding bool
	skipped    int
}

func (rs *recordSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if rs.discarding {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return len(data), nil, nil
		}
		rs.discarding = false
		return i + 1, nil, nil
	}
	advance, token, err := bufio.ScanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= maxRecordLine {
		rs.discarding = true
		rs.skipped++
		return len(data), nil, nil
	}
	return advance, token, err
}

// Stats counts every readable record.
func (s *JSONLStore) Stats(ctx context.Context) (Stats, error) {
	recs, err := s.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, r := range recs {
		st.add(r)
	}
	return st, nil
}

// Close releases the file. Further calls return os.ErrClosed.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
