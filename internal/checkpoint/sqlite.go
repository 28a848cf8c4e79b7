package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conclave/internal/logging"

	"go.uber.org/zap"
)

// SQLiteStore persists checkpoints in a sqlite database so sessions can
// resume across process restarts.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewSQLiteStore creates or opens a checkpoint database at path and sweeps
// expired rows.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if n, err := store.GC(context.Background()); err != nil {
		logging.Get(logging.CategoryCheckpoint).Warn("checkpoint GC failed", zap.Error(err))
	} else if n > 0 {
		logging.Get(logging.CategoryCheckpoint).Info("swept expired checkpoints", zap.Int64("count", n))
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		step INTEGER NOT NULL,
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the session's snapshot with a fresh TTL.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, step int, blob []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, step, blob, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			step = excluded.step,
			blob = excluded.blob,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		sessionID, step, blob, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest snapshot, or ErrNotFound if absent or expired.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var step int
	var blob []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT step, blob, expires_at FROM checkpoints WHERE session_id = ?`,
		sessionID).Scan(&step, &blob, &expiresAt)
	if err == sql.ErrNoRows {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if time.Now().Unix() > expiresAt {
		return 0, nil, ErrNotFound
	}
	return step, blob, nil
}

// Delete removes a session's snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// GC removes expired checkpoints and returns how many were swept.
func (s *SQLiteStore) GC(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
