package store

import (
	"context"
	"database/sql"
	"time"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetImportedFileHash records the content hash of a source document read
// into a session.
func (s *Store) SetImportedFileHash(ctx context.Context, sessionID, path, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imported_files (session_id, path, hash, imported_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, path) DO UPDATE SET hash = ?, imported_at = ?`,
		sessionID, path, hash, time.Now().UTC(), hash, time.Now().UTC(),
	)
	return err
}

// GetImportedFileHash returns the recorded hash, or "" if the file was never
// imported into the session.
func (s *Store) GetImportedFileHash(ctx context.Context, sessionID, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM imported_files WHERE session_id = ? AND path = ?`, sessionID, path,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// ForgetImportedFiles drops the import records of a session.
func (s *Store) ForgetImportedFiles(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM imported_files WHERE session_id = ?`, sessionID)
	return err
}
