// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)

	"github.com/shepherd-project/modelfetch/internal/session"
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	// Initialize schema
	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS download_sessions (
		id TEXT PRIMARY KEY,
		save_path TEXT NOT NULL,
		modified TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		chunk_size INTEGER NOT NULL DEFAULT 0,
		last_chunk INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		validation TEXT NOT NULL DEFAULT 'none',
		checksum TEXT NOT NULL DEFAULT '',
		hash_state BLOB,
		tokenizer_path TEXT NOT NULL DEFAULT '',
		num_times_run INTEGER NOT NULL DEFAULT 0,
		is_favorited INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_download_sessions_updated ON download_sessions(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Apply pragmas
	pragmas := []string{
		"PRAGMA synchronous = FULL",
		"PRAGMA cache_size = -16000", // 16MB cache
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

const sessionColumns = `id, save_path, modified, size, chunk_size, last_chunk, progress,
	validation, checksum, hash_state, tokenizer_path, num_times_run, is_favorited, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess        session.Session
		validation  string
		favorited   int
		updatedUnix int64
	)
	err := row.Scan(
		&sess.ID,
		&sess.SavePath,
		&sess.Modified,
		&sess.Size,
		&sess.ChunkSize,
		&sess.LastCompletedChunkIndex,
		&sess.ProgressPercent,
		&validation,
		&sess.Checksum,
		&sess.HashState,
		&sess.TokenizerPath,
		&sess.NumTimesRun,
		&favorited,
		&updatedUnix,
	)
	if err != nil {
		return nil, err
	}

	sess.Validation = session.ValidationState(validation)
	sess.IsFavorited = favorited != 0
	sess.UpdatedAt = time.UnixMilli(updatedUnix).UTC()
	if len(sess.HashState) == 0 {
		sess.HashState = nil
	}
	return &sess, nil
}

// GetSession retrieves a session by model id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM download_sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions lists all sessions ordered by id
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM download_sessions ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// SaveSession upserts sess
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	favorited := 0
	if sess.IsFavorited {
		favorited = 1
	}
	validation := sess.Validation
	if validation == "" {
		validation = session.ValidationNone
	}

	query := `
	INSERT INTO download_sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		save_path = excluded.save_path,
		modified = excluded.modified,
		size = excluded.size,
		chunk_size = excluded.chunk_size,
		last_chunk = excluded.last_chunk,
		progress = excluded.progress,
		validation = excluded.validation,
		checksum = excluded.checksum,
		hash_state = excluded.hash_state,
		tokenizer_path = excluded.tokenizer_path,
		num_times_run = excluded.num_times_run,
		is_favorited = excluded.is_favorited,
		updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.SavePath,
		sess.Modified,
		sess.Size,
		sess.ChunkSize,
		sess.LastCompletedChunkIndex,
		sess.ProgressPercent,
		string(validation),
		sess.Checksum,
		sess.HashState,
		sess.TokenizerPath,
		sess.NumTimesRun,
		favorited,
		updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
