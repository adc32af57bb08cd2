// Package manifest records export runs and their frames in a SQLite
// database so a converted capture can be audited after the fact.
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lidar.relay/internal/lidar/export"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

var logf = monitoring.Component("Manifest")

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("export run not found")

// Run status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store is the manifest database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	// One connection keeps the pragmas in force for every statement.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInfo describes an export run when it begins.
type RunInfo struct {
	Source     string
	OutputDir  string
	FrameBound uint32
	Calibrated bool
}

// RunSummary is a stored export run.
type RunSummary struct {
	RunID       string
	Source      string
	OutputDir   string
	FrameBound  uint32
	Calibrated  bool
	Status      string
	Exported    int
	Empty       int
	Points      int
	EndOfStream bool
	Error       string
	Duration    time.Duration
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Run is an open export run. It implements export.Recorder.
type Run struct {
	ID    string
	store *Store

	mu       sync.Mutex
	finished bool
}

// BeginRun inserts a running export run.
func (s *Store) BeginRun(info RunInfo) (*Run, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO export_runs (run_id, source, output_dir, frame_bound, calibrated, status, started_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, info.Source, info.OutputDir, int64(info.FrameBound), info.Calibrated, StatusRunning, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert export run: %w", err)
	}
	logf("export run %s started for %s", id, info.Source)
	return &Run{ID: id, store: s}, nil
}

// RecordFrame stores one consumed frame.
func (r *Run) RecordFrame(rec export.FrameRecord) error {
	_, err := r.store.db.Exec(`
		INSERT OR REPLACE INTO export_frames (run_id, seq, timestamp, source_points, points, path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, int64(rec.Seq), rec.Timestamp, rec.SourcePoints, rec.Points, nullString(rec.Path))
	if err != nil {
		return fmt.Errorf("insert export frame %d: %w", rec.Seq, err)
	}
	return nil
}

// Finish stores the run totals. A non-nil runErr marks the run failed.
// Finishing twice is an error.
func (r *Run) Finish(sum export.Summary, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return fmt.Errorf("export run %s already finished", r.ID)
	}

	status, msg := StatusComplete, sql.NullString{}
	if runErr != nil {
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.store.db.Exec(`
		UPDATE export_runs
		SET status = ?, exported = ?, empty = ?, points = ?, end_of_stream = ?,
		    error_message = ?, duration_ms = ?, finished_at_ns = ?
		WHERE run_id = ?
	`, status, sum.Exported, sum.Empty, sum.Points, sum.EndOfStream,
		msg, sum.Duration.Milliseconds(), r.store.now().UnixNano(), r.ID)
	if err != nil {
		return fmt.Errorf("finish export run: %w", err)
	}
	r.finished = true
	logf("export run %s %s: %d exported, %d empty", r.ID, status, sum.Exported, sum.Empty)
	return nil
}

const runColumns = `run_id, source, output_dir, frame_bound, calibrated, status, exported, empty,
	points, end_of_stream, error_message, duration_ms, started_at_ns, finished_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunSummary, error) {
	var (
		r          RunSummary
		bound      int64
		errMsg     sql.NullString
		durationMs int64
		startedNs  int64
		finishedNs sql.NullInt64
	)
	if err := row.Scan(&r.RunID, &r.Source, &r.OutputDir, &bound, &r.Calibrated, &r.Status,
		&r.Exported, &r.Empty, &r.Points, &r.EndOfStream, &errMsg, &durationMs,
		&startedNs, &finishedNs); err != nil {
		return nil, err
	}
	r.FrameBound = uint32(bound)
	r.Error = errMsg.String
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.StartedAt = time.Unix(0, startedNs)
	if finishedNs.Valid {
		t := time.Unix(0, finishedNs.Int64)
		r.FinishedAt = &t
	}
	return &r, nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(runID string) (*RunSummary, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM export_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get export run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(limit int) ([]*RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM export_runs ORDER BY started_at_ns DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list export runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Frames returns the recorded frames of a run in sequence order.
func (s *Store) Frames(runID string) ([]export.FrameRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, timestamp, source_points, points, path
		FROM export_frames
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list export frames: %w", err)
	}
	defer rows.Close()

	var frames []export.FrameRecord
	for rows.Next() {
		var (
			rec  export.FrameRecord
			seq  int64
			path sql.NullString
		)
		if err := rows.Scan(&seq, &rec.Timestamp, &rec.SourcePoints, &rec.Points, &path); err != nil {
			return nil, fmt.Errorf("scan export frame: %w", err)
		}
		rec.Seq = uint32(seq)
		rec.Path = path.String
		frames = append(frames, rec)
	}
	return frames, rows.Err()
}

// DeleteRun removes a run and its frames.
func (s *Store) DeleteRun(runID string) error {
	res, err := s.db.Exec(`DELETE FROM export_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete export run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete export run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
