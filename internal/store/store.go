package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/state"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_state (
		session_id TEXT NOT NULL,
		field TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, field)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		student TEXT NOT NULL DEFAULT '',
		average_score REAL NOT NULL DEFAULT 0,
		question_count INTEGER NOT NULL DEFAULT 0,
		fallback_count INTEGER NOT NULL DEFAULT 0,
		graded_at DATETIME NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		mastery TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_id);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, path)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts one serialized state field.
func (s *Store) Save(ctx context.Context, sessionID string, field state.Field, data []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_state (session_id, field, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, field) DO UPDATE SET data = ?, updated_at = ?`,
		sessionID, string(field), string(data), now, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("save state %s/%s: %w", sessionID, field, err)
	}
	return nil
}

// Load returns one serialized state field, or state.ErrMissing.
func (s *Store) Load(ctx context.Context, sessionID string, field state.Field) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM session_state WHERE session_id = ? AND field = ?`, sessionID, string(field),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, state.ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s/%s: %w", sessionID, field, err)
	}
	return []byte(data), nil
}

// Delete removes all state rows of a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE session_id = ?`, sessionID)
	return err
}

// SessionInfo summarizes the persisted state of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Fields    int       `json:"fields"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSessions returns sessions with persisted state, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(updated_at) FROM session_state
		 GROUP BY session_id ORDER BY MAX(updated_at) DESC, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var updated string
		if err := rows.Scan(&info.ID, &info.Fields, &updated); err != nil {
			return nil, err
		}
		info.UpdatedAt = parseTime(updated)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// parseTime reads a DATETIME produced by an aggregate, which the driver
// returns as text rather than time.Time.
func parseTime(v string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
