package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fablecraft/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, artifact_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(artifact_type)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts DATETIME NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_ts ON events(run_id, ts)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			artifact TEXT,
			ts DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutArtifact inserts or replaces an artifact.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *domain.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, artifact_type, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, artifact_type) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		a.RunID, a.Type, string(a.Payload), a.UpdatedAt)
	return err
}

// GetArtifact retrieves one artifact, or ErrNotFound.
func (s *SQLiteStore) GetArtifact(ctx context.Context, runID, artifactType string) (*domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, artifact_type, payload, updated_at FROM artifacts WHERE run_id = ? AND artifact_type = ?`,
		runID, artifactType)

	var a domain.Artifact
	var payload string
	if err := row.Scan(&a.RunID, &a.Type, &payload, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Payload = []byte(payload)
	return &a, nil
}

// DeleteArtifact removes one artifact. Deleting a missing artifact is not
// an error.
func (s *SQLiteStore) DeleteArtifact(ctx context.Context, runID, artifactType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE run_id = ? AND artifact_type = ?`, runID, artifactType)
	return err
}

// ListArtifactsByType returns every artifact of the given type across runs.
func (s *SQLiteStore) ListArtifactsByType(ctx context.Context, artifactType string) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, artifact_type, payload, updated_at FROM artifacts WHERE artifact_type = ? ORDER BY run_id`,
		artifactType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var payload string
		if err := rows.Scan(&a.RunID, &a.Type, &payload, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, rec *domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, status, phase, error, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ProjectID, rec.Status, rec.Phase, nullable(rec.Error), rec.StartedAt, rec.UpdatedAt)
	return err
}

// UpdateRun updates a run record's status, phase and error.
func (s *SQLiteStore) UpdateRun(ctx context.Context, rec *domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, phase = ?, error = ?, updated_at = ? WHERE run_id = ?`,
		rec.Status, rec.Phase, nullable(rec.Error), rec.UpdatedAt, rec.RunID)
	return err
}

// GetRun retrieves one run record, or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, project_id, status, phase, error, started_at, updated_at FROM runs WHERE run_id = ?`,
		runID)
	return scanRun(row)
}

// ListRuns returns run records, optionally filtered by status.
func (s *SQLiteStore) ListRuns(ctx context.Context, statuses []domain.RunStatus) ([]domain.RunRecord, error) {
	query := `SELECT run_id, project_id, status, phase, error, started_at, updated_at FROM runs`
	args := []interface{}{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		var rec domain.RunRecord
		var errStr sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.ProjectID, &rec.Status, &rec.Phase, &errStr, &rec.StartedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent persists one event. The (run_id, event_id) primary key
// rejects ID reuse.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *domain.Event) error {
	var data interface{}
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, event_id, type, ts, data) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.ID, e.Type, e.Timestamp, data)
	return err
}

// GetEvents retrieves events for a run with ID strictly greater than
// afterID, in ID order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, event_id, type, ts, data FROM events WHERE run_id = ? AND event_id > ? ORDER BY event_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var data sql.NullString
		if err := rows.Scan(&e.RunID, &e.ID, &e.Type, &e.Timestamp, &data); err != nil {
			return nil, err
		}
		if data.Valid {
			e.Data = []byte(data.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MaxEventID returns the highest event ID recorded for a run, 0 if none.
func (s *SQLiteStore) MaxEventID(ctx context.Context, runID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM events WHERE run_id = ?`, runID)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

// TrimEvents deletes a run's events older than the given time and returns
// the number removed. Callers must only trim runs that are terminal.
func (s *SQLiteStore) TrimEvents(ctx context.Context, runID string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id = ? AND ts < ?`, runID, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateMessage appends one agent message to the audit trail.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.AgentMessage) error {
	var artifact interface{}
	if len(m.Artifact) > 0 {
		artifact = string(m.Artifact)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, run_id, sender, recipient, type, content, artifact, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.RunID, m.Sender, nullable(string(m.Recipient)), m.Type, m.Content, artifact, m.Timestamp)
	return err
}

// GetMessages retrieves a run's audit trail in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, runID string, limit int) ([]domain.AgentMessage, error) {
	query := `SELECT message_id, run_id, sender, recipient, type, content, artifact, ts FROM messages WHERE run_id = ? ORDER BY ts ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentMessage
	for rows.Next() {
		var m domain.AgentMessage
		var recipient, artifact sql.NullString
		if err := rows.Scan(&m.MessageID, &m.RunID, &m.Sender, &recipient, &m.Type, &m.Content, &artifact, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Recipient = domain.AgentRole(recipient.String)
		if artifact.Valid {
			m.Artifact = []byte(artifact.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRun(row *sql.Row) (*domain.RunRecord, error) {
	var rec domain.RunRecord
	var errStr sql.NullString
	if err := row.Scan(&rec.RunID, &rec.ProjectID, &rec.Status, &rec.Phase, &errStr, &rec.StartedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Error = errStr.String
	return &rec, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
