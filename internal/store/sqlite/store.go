// File path: internal/store/sqlite/store.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/railforge/tracklayout/internal/common"
)

// Store is the SQLite-backed implementation of store.Store,
// store.PublicationLog and store.SplitStore. Asset rows live in asset_rows
// keyed by (kind, id, branch, state); published versions accumulate in
// asset_versions as append-only per-branch history.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided path.
// The schema is migrated on first use.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingTimeout := cfg.BusyTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	common.Logger().Info("sqlite: layout store ready", "path", abs)
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not initialised")
	}
	// journal_mode cannot change inside a transaction, so set it before
	// the schema migration transaction begins.
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS asset_rows (
                kind TEXT NOT NULL,
                id TEXT NOT NULL,
                branch TEXT NOT NULL,
                state TEXT NOT NULL,
                version INTEGER NOT NULL,
                payload TEXT NOT NULL,
                updated_at INTEGER NOT NULL,
                PRIMARY KEY (kind, id, branch, state)
        );`,
	`CREATE TABLE IF NOT EXISTS asset_versions (
                kind TEXT NOT NULL,
                id TEXT NOT NULL,
                branch TEXT NOT NULL,
                version INTEGER NOT NULL,
                payload TEXT NOT NULL,
                moment INTEGER NOT NULL,
                PRIMARY KEY (kind, id, branch, version)
        );`,
	`CREATE TABLE IF NOT EXISTS version_seq (
                kind TEXT NOT NULL,
                id TEXT NOT NULL,
                seq INTEGER NOT NULL,
                PRIMARY KEY (kind, id)
        );`,
	`CREATE TABLE IF NOT EXISTS publications (
                id TEXT PRIMARY KEY,
                branch TEXT NOT NULL,
                message TEXT,
                cause TEXT NOT NULL,
                published_at INTEGER NOT NULL,
                parent_id TEXT,
                payload TEXT NOT NULL,
                seq INTEGER NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS splits (
                id TEXT PRIMARY KEY,
                branch TEXT NOT NULL,
                source_track TEXT NOT NULL,
                done INTEGER NOT NULL DEFAULT 0,
                created_at INTEGER NOT NULL,
                payload TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS change_log (
                id INTEGER PRIMARY KEY CHECK (id = 1),
                moment INTEGER NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_asset_rows_branch_state ON asset_rows(branch, state, kind);`,
	`CREATE INDEX IF NOT EXISTS idx_asset_versions_lookup ON asset_versions(kind, id, branch, moment);`,
	`CREATE INDEX IF NOT EXISTS idx_asset_versions_branch_kind ON asset_versions(branch, kind);`,
	`CREATE INDEX IF NOT EXISTS idx_publications_branch_seq ON publications(branch, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_splits_branch_done ON splits(branch, done);`,
}
