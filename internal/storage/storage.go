package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Store wraps SQLite-backed persistence for stitch runs and their reports.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stitch_runs (
            id TEXT PRIMARY KEY,
            run_type TEXT NOT NULL,
            status TEXT NOT NULL,
            manifest_path TEXT,
            options_json TEXT,
            tiles INTEGER DEFAULT 0,
            pairs INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            report_json TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stitch_runs_created_at ON stitch_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID           string     `json:"id"`
	RunType      string     `json:"type"`
	Status       string     `json:"status"`
	ManifestPath string     `json:"manifest"`
	OptionsJSON  string     `json:"options,omitempty"`
	Tiles        int        `json:"tiles"`
	Pairs        int        `json:"pairs"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunOutcome is what a finished run leaves behind.
type RunOutcome struct {
	Status string
	Tiles  int
	Pairs  int
	// Report is marshalled to JSON as is.
	Report any
	Meta   map[string]any
	Error  string
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stitch_runs (id, run_type, status, manifest_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.RunType, status, rec.ManifestPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stitch_runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run with its status, report and meta.
func (s *Store) RecordRunResult(id string, out RunOutcome) error {
	if s == nil {
		return nil
	}
	reportJSON, err := json.Marshal(out.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	metaJSON, err := json.Marshal(out.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE stitch_runs SET status=?, tiles=?, pairs=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		out.Status, out.Tiles, out.Pairs, out.Error, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO run_results (run_id, report_json, meta_json) VALUES (?, ?, ?);`, id, string(reportJSON), string(metaJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

const runColumns = `id, run_type, status, manifest_path, options_json, tiles, pairs, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var manifest, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.RunType, &rec.Status, &manifest, &options, &rec.Tiles, &rec.Pairs, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.ManifestPath = manifest.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM stitch_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM stitch_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return rec, err
}

// RunReport fetches the last report blob stored for a run.
func (s *Store) RunReport(id string) (json.RawMessage, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var reportJSON string
	err := s.DB.QueryRow(`SELECT report_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(reportJSON), nil
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
