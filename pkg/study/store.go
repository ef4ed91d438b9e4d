// Package study persists readers and their per-patient verdicts in SQLite,
// authenticates readers, and exports the collected results.
package study

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"readstudy/internal/models"
)

// ErrInspectorNotFound is returned when an inspector id has no row.
var ErrInspectorNotFound = errors.New("inspector not found")

// Store persists inspectors and analysis results in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		cleanPath := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetOrCreateInspector returns the inspector identified by (affiliation, name),
// creating it on first login and refreshing last_login otherwise.
func (s *Store) GetOrCreateInspector(ctx context.Context, affiliation, name string) (models.Inspector, error) {
	affiliation = strings.TrimSpace(affiliation)
	name = strings.TrimSpace(name)
	if affiliation == "" || name == "" {
		return models.Inspector{}, fmt.Errorf("affiliation and name are required")
	}

	now := toMillis(s.now())
	var (
		ins                  models.Inspector
		createdAt, lastLogin int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inspectors (affiliation, name, created_at, last_login)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(affiliation, name) DO UPDATE SET last_login = excluded.last_login
		 RETURNING id, affiliation, name, created_at, last_login`,
		affiliation, name, now, now,
	).Scan(&ins.ID, &ins.Affiliation, &ins.Name, &createdAt, &lastLogin)
	if err != nil {
		return models.Inspector{}, fmt.Errorf("upsert inspector: %w", err)
	}
	ins.CreatedAt = fromMillis(createdAt)
	ins.LastLogin = fromMillis(lastLogin)
	return ins, nil
}

// Inspector loads one inspector by id.
func (s *Store) Inspector(ctx context.Context, id int64) (models.Inspector, error) {
	var (
		ins                  models.Inspector
		createdAt, lastLogin int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, affiliation, name, created_at, last_login FROM inspectors WHERE id = ?`, id,
	).Scan(&ins.ID, &ins.Affiliation, &ins.Name, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Inspector{}, ErrInspectorNotFound
	}
	if err != nil {
		return models.Inspector{}, fmt.Errorf("get inspector: %w", err)
	}
	ins.CreatedAt = fromMillis(createdAt)
	ins.LastLogin = fromMillis(lastLogin)
	return ins, nil
}

// Inspectors lists every inspector ordered by affiliation, then name.
func (s *Store) Inspectors(ctx context.Context) ([]models.Inspector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, affiliation, name, created_at, last_login
		 FROM inspectors ORDER BY affiliation, name`)
	if err != nil {
		return nil, fmt.Errorf("list inspectors: %w", err)
	}
	defer rows.Close()

	out := []models.Inspector{}
	for rows.Next() {
		var (
			ins                  models.Inspector
			createdAt, lastLogin int64
		)
		if err := rows.Scan(&ins.ID, &ins.Affiliation, &ins.Name, &createdAt, &lastLogin); err != nil {
			return nil, fmt.Errorf("scan inspector: %w", err)
		}
		ins.CreatedAt = fromMillis(createdAt)
		ins.LastLogin = fromMillis(lastLogin)
		out = append(out, ins)
	}
	return out, rows.Err()
}

// SaveResult records an inspector's verdict for a patient, replacing any
// earlier verdict from the same inspector.
func (s *Store) SaveResult(ctx context.Context, inspectorID int64, patientID string, verdict models.Verdict) error {
	if _, err := models.ParseVerdict(string(verdict)); err != nil {
		return err
	}
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return fmt.Errorf("patient id is required")
	}

	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (inspector_id, patient_id, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(inspector_id, patient_id) DO UPDATE SET
		   result = excluded.result,
		   updated_at = excluded.updated_at`,
		inspectorID, patientID, string(verdict), now, now,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// Result returns the inspector's verdict for a patient, or nil when none exists.
func (s *Store) Result(ctx context.Context, inspectorID int64, patientID string) (*models.AnalysisResult, error) {
	var (
		r                    models.AnalysisResult
		verdict              string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT inspector_id, patient_id, result, created_at, updated_at
		 FROM analysis_results WHERE inspector_id = ? AND patient_id = ?`,
		inspectorID, patientID,
	).Scan(&r.InspectorID, &r.PatientID, &verdict, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	r.Verdict = models.Verdict(verdict)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

func (s *Store) queryResults(ctx context.Context, query string, args ...any) ([]models.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []models.AnalysisResult{}
	for rows.Next() {
		var (
			r                    models.AnalysisResult
			verdict              string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.InspectorID, &r.PatientID, &verdict, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Verdict = models.Verdict(verdict)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InspectorResults lists one inspector's verdicts, most recently updated first.
func (s *Store) InspectorResults(ctx context.Context, inspectorID int64) ([]models.AnalysisResult, error) {
	return s.queryResults(ctx,
		`SELECT inspector_id, patient_id, result, created_at, updated_at
		 FROM analysis_results WHERE inspector_id = ?
		 ORDER BY updated_at DESC, id DESC`, inspectorID)
}

// Results lists every verdict ordered by patient, then inspector.
func (s *Store) Results(ctx context.Context) ([]models.AnalysisResult, error) {
	return s.queryResults(ctx,
		`SELECT inspector_id, patient_id, result, created_at, updated_at
		 FROM analysis_results ORDER BY patient_id, inspector_id`)
}

// PatientResults lists every inspector's verdict on one patient, most recent first.
func (s *Store) PatientResults(ctx context.Context, patientID string) ([]models.PatientResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.affiliation, i.name, ar.result, ar.updated_at
		 FROM analysis_results ar
		 JOIN inspectors i ON ar.inspector_id = i.id
		 WHERE ar.patient_id = ?
		 ORDER BY ar.updated_at DESC, ar.id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient results: %w", err)
	}
	defer rows.Close()

	out := []models.PatientResult{}
	for rows.Next() {
		var (
			r         models.PatientResult
			verdict   string
			updatedAt int64
		)
		if err := rows.Scan(&r.Affiliation, &r.Name, &verdict, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan patient result: %w", err)
		}
		r.Verdict = models.Verdict(verdict)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
