package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/gofib/pkg/jobsys"

	_ "modernc.org/sqlite"
)

// Session is one persisted profiling run.
type Session struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Workers    int        `json:"workers"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Submitted  uint64     `json:"submitted"`
	Completed  uint64     `json:"completed"`
	Failed     uint64     `json:"failed"`
	Cancelled  uint64     `json:"cancelled"`
	Steals     uint64     `json:"steals"`
}

// StoredEvent is one persisted scheduler event.
type StoredEvent struct {
	Seq      int64         `json:"seq"`
	Kind     string        `json:"kind"`
	Job      string        `json:"job"`
	Worker   int           `json:"worker"`
	Victim   int           `json:"victim"`
	Priority string        `json:"priority"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// Store persists profiling sessions in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "trace-store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// BeginSession inserts a new open session row and returns it.
func (s *Store) BeginSession(ctx context.Context, label string, workers int) (*Session, error) {
	sess := &Session{
		ID:        "ses_" + uuid.NewString(),
		Label:     label,
		Workers:   workers,
		StartedAt: time.Now().UTC(),
	}
	s.logger.Debug("sql", "op", "insert", "table", "sessions", "id", sess.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, label, workers, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Label, sess.Workers, sess.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession stamps the session finished and records the final scheduler
// counters.
func (s *Store) EndSession(ctx context.Context, id string, snap jobsys.Snapshot) error {
	s.logger.Debug("sql", "op", "update", "table", "sessions", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at=?, submitted=?, completed=?, failed=?, cancelled=?, steals=?
		 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		snap.Submitted, snap.Completed, snap.Failed, snap.Cancelled, snap.Steals, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// AppendEvents inserts a batch of events under one transaction.
func (s *Store) AppendEvents(ctx context.Context, sessionID string, events []jobsys.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert_batch", "table", "events", "session_id", sessionID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (session_id, kind, job, worker, victim, priority, at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		jobStr := ""
		if e.Job.Valid() {
			jobStr = e.Job.String()
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, e.Kind.String(), jobStr, e.Worker, e.Victim, e.Priority.String(),
			e.When.UTC().Format(time.RFC3339Nano), e.Duration.Nanoseconds(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSession loads one session, or nil if the id is unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "id", id)

	var sess Session
	var startedAt string
	var finishedAt *string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, workers, started_at, finished_at, submitted, completed, failed, cancelled, steals
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Label, &sess.Workers, &startedAt, &finishedAt,
		&sess.Submitted, &sess.Completed, &sess.Failed, &sess.Cancelled, &sess.Steals)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		sess.FinishedAt = &t
	}
	return &sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	s.logger.Debug("sql", "op", "list", "table", "sessions", "limit", limit)
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, workers, started_at, finished_at, submitted, completed, failed, cancelled, steals
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var startedAt string
		var finishedAt *string

		if err := rows.Scan(&sess.ID, &sess.Label, &sess.Workers, &startedAt, &finishedAt,
			&sess.Submitted, &sess.Completed, &sess.Failed, &sess.Cancelled, &sess.Steals); err != nil {
			return nil, err
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
			sess.FinishedAt = &t
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// ListEvents returns a session's events in insertion order, optionally
// filtered by kind.
func (s *Store) ListEvents(ctx context.Context, sessionID, kind string, limit int) ([]*StoredEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "session_id", sessionID, "kind", kind)
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT seq, kind, job, worker, victim, priority, at, duration_ns
		 FROM events WHERE session_id = ?`
	args := []any{sessionID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		var e StoredEvent
		var at string
		var durNS int64
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Job, &e.Worker, &e.Victim, &e.Priority, &at, &durNS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Duration = time.Duration(durNS)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// EventCounts aggregates a session's events by kind.
func (s *Store) EventCounts(ctx context.Context, sessionID string) (map[string]int64, error) {
	s.logger.Debug("sql", "op", "count_by_kind", "table", "events", "session_id", sessionID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
