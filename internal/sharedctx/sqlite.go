package sharedctx

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store (and AtomicClaimer) using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout,
// and purges snapshots whose TTL has already expired.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Claims and snapshots race from concurrent build loops; a single
	// connection serializes them at the driver level.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.purgeExpired(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to purge expired contexts: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shared_contexts (
		build_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS file_claims (
		build_id TEXT NOT NULL,
		path TEXT NOT NULL,
		sandbox_id TEXT NOT NULL,
		claimed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (build_id, path)
	);

	CREATE INDEX IF NOT EXISTS idx_file_claims_sandbox ON file_claims(build_id, sandbox_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// purgeExpired removes snapshots and claims of builds past their TTL, so
// stale builds self-clean on the next store open.
func (s *SQLiteStore) purgeExpired(ctx context.Context) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_claims WHERE build_id IN (
			SELECT build_id FROM shared_contexts WHERE expires_at < ?
		)`, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM shared_contexts WHERE expires_at < ?`, now)
	return err
}

// SaveSnapshot upserts the whole serialized context.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sc *SharedContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_contexts (build_id, snapshot, expires_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(build_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, sc.BuildID, string(data), sc.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored context for a build.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, buildID string) (*SharedContext, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM shared_contexts WHERE build_id = ?`, buildID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("shared context not found for build %q", buildID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var sc SharedContext
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if sc.InProgress == nil {
		sc.InProgress = make(map[string]string)
	}
	if sc.FileOwners == nil {
		sc.FileOwners = make(map[string]string)
	}
	return &sc, nil
}

// DeleteSnapshot removes the build's snapshot and all of its file claims.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, buildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_claims WHERE build_id = ?`, buildID); err != nil {
		return fmt.Errorf("failed to delete claims: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shared_contexts WHERE build_id = ?`, buildID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// TryClaim is the conditional-insert claim: INSERT does nothing if an owner
// exists, then the surviving owner is read back. Racing claims resolve to
// exactly one winner.
func (s *SQLiteStore) TryClaim(ctx context.Context, buildID, path, sandboxID string) (string, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_claims (build_id, path, sandbox_id)
		VALUES (?, ?, ?)
		ON CONFLICT(build_id, path) DO NOTHING
	`, buildID, path, sandboxID)
	if err != nil {
		return "", false, fmt.Errorf("failed to insert claim: %w", err)
	}

	var owner string
	err = s.db.QueryRowContext(ctx,
		`SELECT sandbox_id FROM file_claims WHERE build_id = ? AND path = ?`,
		buildID, path).Scan(&owner)
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim owner: %w", err)
	}

	return owner, owner == sandboxID, nil
}

// ReleaseClaim removes the claim only if sandboxID is the recorded owner.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, buildID, path, sandboxID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_claims WHERE build_id = ? AND path = ? AND sandbox_id = ?`,
		buildID, path, sandboxID)
	if err != nil {
		return false, fmt.Errorf("failed to release claim: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
