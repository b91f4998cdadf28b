// Package trace is the SQLite audit trail: every routed task, tool call
// and recorded assessment lands here so a session can be reconstructed
// after the fact. The trail is append-only from the application's point
// of view; Prune is the only deletion path.
package trace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"vessel/internal/logging"
)

// Entry is one audit record.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Kind      string
	Name      string
	Detail    string
}

// AssessmentRow is one scored questionnaire in the trail.
type AssessmentRow struct {
	ID              int64
	Timestamp       time.Time
	QuestionnaireID string
	Score           int
	MaxScore        int
	Trend           string
}

// Store is the SQLite-backed audit trail.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// New opens (creating if needed) the trail database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Trace("trail open at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("set journal_mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME DEFAULT CURRENT_TIMESTAMP,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
	CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);

	CREATE TABLE IF NOT EXISTS assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME DEFAULT CURRENT_TIMESTAMP,
		questionnaire_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		max_score INTEGER NOT NULL,
		trend TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_qid ON assessments(questionnaire_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create trace schema: %w", err)
	}
	return nil
}

// Record appends one audit entry.
func (s *Store) Record(actor, kind, name, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO entries (actor, kind, name, detail) VALUES (?, ?, ?, ?)",
		actor, kind, name, detail,
	)
	if err != nil {
		return fmt.Errorf("record trace entry: %w", err)
	}
	return nil
}

// RecordAssessment appends one scored questionnaire.
func (s *Store) RecordAssessment(questionnaireID string, score, maxScore int, trend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO assessments (questionnaire_id, score, max_score, trend) VALUES (?, ?, ?, ?)",
		questionnaireID, score, maxScore, trend,
	)
	if err != nil {
		return fmt.Errorf("record assessment: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, ts, actor, kind, name, COALESCE(detail, '') FROM entries ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trace entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Kind, &e.Name, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByKind aggregates the trail for status reporting.
func (s *Store) CountByKind() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT kind, COUNT(*) FROM entries GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count trace entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// AssessmentHistory returns scored questionnaires for one instrument,
// oldest first.
func (s *Store) AssessmentHistory(questionnaireID string, limit int) ([]AssessmentRow, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, ts, questionnaire_id, score, max_score, trend FROM assessments WHERE questionnaire_id = ? ORDER BY id ASC LIMIT ?",
		questionnaireID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []AssessmentRow
	for rows.Next() {
		var r AssessmentRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.QuestionnaireID, &r.Score, &r.MaxScore, &r.Trend); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the cutoff and reports how many went.
func (s *Store) Prune(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM entries WHERE ts < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune trace entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Trace("pruned %d entries before %s", n, before.Format(time.RFC3339))
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
