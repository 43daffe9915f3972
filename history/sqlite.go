package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/grabq/jobqueue"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS download_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	final_status  TEXT NOT NULL,
	submitted_at  INTEGER NOT NULL DEFAULT 0,
	started_at    INTEGER NOT NULL DEFAULT 0,
	finished_at   INTEGER NOT NULL DEFAULT 0,
	destination   TEXT NOT NULL DEFAULT '',
	format        TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	video_id      TEXT NOT NULL DEFAULT '',
	subtitles     TEXT NOT NULL DEFAULT '',
	file_size     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_finished_at ON download_history(finished_at);
`

// sqliteMigrations add columns missing from databases created by older
// versions. A duplicate column error means the column is already there.
var sqliteMigrations = []string{
	`ALTER TABLE download_history ADD COLUMN title TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE download_history ADD COLUMN video_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE download_history ADD COLUMN subtitles TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE download_history ADD COLUMN file_size INTEGER NOT NULL DEFAULT 0`,
}

// SQLiteStore keeps records in a single INSERT-only table.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens the database file at path and ensures the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := NewSQLite(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and creates the history table if needed.
// The store takes ownership of db.
func NewSQLite(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	// A single connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	for _, stmt := range sqliteMigrations {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return nil, fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}
	o := buildOptions(opts)
	return &SQLiteStore{db: db, logger: o.logger}, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *SQLiteStore) Record(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_history (
			job_id, source_url, final_status, submitted_at, started_at, finished_at,
			destination, format, error_kind, error_message,
			title, video_id, subtitles, file_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.SourceURL, r.FinalStatus.Key(),
		toUnix(r.SubmittedAt), toUnix(r.StartedAt), toUnix(r.FinishedAt),
		r.Destination, r.Format, string(r.ErrorKind), r.ErrorMessage,
		r.Title, r.VideoID, strings.Join(r.Subtitles, ","), r.FileSize,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st.Key())
		}
		where = append(where, "final_status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, toUnix(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "finished_at <= ?")
		args = append(args, toUnix(f.Until))
	}

	query := `SELECT job_id, source_url, final_status, submitted_at, started_at, finished_at,
		destination, format, error_kind, error_message,
		title, video_id, subtitles, file_size FROM download_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC"
	// Glob and keyword matching happen in Go, so only push the limit down
	// without them.
	if f.Limit > 0 && f.URLPattern == "" && strings.TrimSpace(f.Query) == "" {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		var (
			r                                  Record
			status, kind, subtitles            string
			submittedAt, startedAt, finishedAt int64
		)
		if err := rows.Scan(&r.JobID, &r.SourceURL, &status, &submittedAt, &startedAt, &finishedAt,
			&r.Destination, &r.Format, &kind, &r.ErrorMessage,
			&r.Title, &r.VideoID, &subtitles, &r.FileSize); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if subtitles != "" {
			r.Subtitles = strings.Split(subtitles, ",")
		}
		st, err := jobqueue.ParseStatus(status)
		if err != nil {
			s.logger.Warn("skipping history row", zap.String("job_id", r.JobID), zap.Error(err))
			continue
		}
		r.FinalStatus = st
		r.ErrorKind = jobqueue.ErrorKind(kind)
		r.SubmittedAt = fromUnix(submittedAt)
		r.StartedAt = fromUnix(startedAt)
		r.FinishedAt = fromUnix(finishedAt)
		if !f.Match(r) {
			continue
		}
		recs = append(recs, r)
		if f.Limit > 0 && len(recs) == f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return recs, nil
}

// Stats aggregates the table in one query.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN final_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN final_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN final_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN file_size > 0 THEN file_size ELSE 0 END), 0)
		FROM download_history`,
		jobqueue.StatusCompleted.Key(), jobqueue.StatusFailed.Key(), jobqueue.StatusCancelled.Key(),
	).Scan(&st.Total, &st.Completed, &st.Failed, &st.Cancelled, &st.TotalSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate history: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
