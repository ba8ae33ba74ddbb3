// Package engine implements the Memory Persistence Core: an embedded,
// single-process storage engine for indexed memories, their history,
// causal relationships, and point-in-time checkpoints.
package engine

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/memcore/memcore/internal/logging"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers the sqlite-vec extension against every connection opened
	// via database/sql's "sqlite3" driver. Harmless if the extension
	// binary is unavailable on this platform; probeVec() detects that.
	sqlite_vec.Auto()
}

// Store owns the relational schema and a statement cache keyed by the
// current database handle's identity (spec.md §4.1, §9 "Global database
// handle"). It is an explicitly constructed value passed into each
// component at construction time; components borrow it rather than reach
// for file-level singletons.
type Store struct {
	db   *sql.DB
	path string

	mu         sync.RWMutex
	stmtCache  map[string]*sql.Stmt
	cacheOwner *sql.DB

	vecAvailable bool
	vecDimension int

	log *logging.Logger
}

// Open opens (creating if necessary) the embedded store at path and
// verifies connectivity. It does not run InitSchema; callers call that
// explicitly so tests can control ordering.
func Open(path string) (*Store, error) {
	log := logging.GetLogger("store")
	log.Info("opening store", "path", path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite supports exactly one writer; a single pooled connection
	// keeps all statements (and the statement cache) bound to one handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		stmtCache: make(map[string]*sql.Stmt),
		log:       log,
	}
	s.probeVec()

	return s, nil
}

// probeVec checks whether the sqlite-vec extension is loaded via a
// harmless SELECT, per spec.md §4.1's "probed at startup" failure mode.
// Its absence degrades C7/C8's embedding paths but never blocks anything
// else.
func (s *Store) probeVec() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		s.log.Warn("sqlite-vec extension not available, embeddings disabled", "error", err)
		s.vecAvailable = false
		return
	}
	s.log.Info("sqlite-vec extension available", "version", version)
	s.vecAvailable = true
}

// VecAvailable reports whether the vector extension is usable.
func (s *Store) VecAvailable() bool {
	return s.vecAvailable
}

// SetEmbeddingDimension records the process-global embedding dimension
// obtained from the embedding provider at startup (spec.md §3 "Vector
// row"), and ensures the vec_memories virtual table exists at that
// dimension. vec0 virtual tables are declared with a fixed dimension, so
// this is deferred until the provider's dimension is known rather than
// attempted during InitSchema.
func (s *Store) SetEmbeddingDimension(d int) error {
	s.mu.Lock()
	s.vecDimension = d
	s.mu.Unlock()

	if !s.vecAvailable {
		return nil
	}

	ddl := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(embedding float[%d])",
		d,
	)
	if _, err := s.db.Exec(ddl); err != nil {
		s.log.Warn("failed to create vec_memories table, disabling vector paths", "error", err)
		s.vecAvailable = false
		return fmt.Errorf("%w: %v", ErrMissingSqliteVec, err)
	}
	return nil
}

// EmbeddingDimension returns the process-global embedding dimension.
func (s *Store) EmbeddingDimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vecDimension
}

// InitSchema creates all tables and indexes if they do not
// already exist, then runs any pending migrations.
func (s *Store) InitSchema() error {
	s.log.Info("initializing schema", "version", SchemaVersion)

	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master WHERE type='table' AND name='memory_index' LIMIT 1
	`).Scan(&tableName)
	alreadyInitialized := err == nil && tableName != ""

	if !alreadyInitialized {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin schema transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(CoreSchema); err != nil {
			return fmt.Errorf("failed to create core schema: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)
		`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schema: %w", err)
		}
		s.log.Info("schema initialized", "version", SchemaVersion)
	} else {
		s.log.Debug("schema already initialized")
	}

	return s.RunMigrations()
}

// RunMigrations checks the current schema version and applies pending
// migrations, following the teacher's idempotent ALTER-tolerant pattern.
// Schema migrations are additive only, never destructive (spec.md §6).
func (s *Store) RunMigrations() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		version = 0
	}

	if version >= SchemaVersion {
		return nil
	}

	if version < 2 && len(migrationV1ToV2Statements) > 0 {
		s.alterStatementsTolerant(migrationV1ToV2Statements)
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (2, CURRENT_TIMESTAMP)`); err != nil {
			return fmt.Errorf("failed to record migration version: %w", err)
		}
	}

	// Add future migrations here: if version < 3 { ... }

	return nil
}

// Close closes the underlying database handle and invalidates the
// statement cache.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, stmt := range s.stmtCache {
		stmt.Close()
		delete(s.stmtCache, key)
	}
	s.cacheOwner = nil

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying *sql.DB for components that need raw access
// (transactions spanning multiple components).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// Prepared returns a cached prepared statement for key, (re)compiling it
// from query if the cache doesn't have it yet, or if the database handle
// identity changed since the cache was populated (e.g. in tests that
// reopen the store). Callers hold only a borrowing reference — they must
// not Close the returned statement.
func (s *Store) Prepared(key, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cacheOwner != s.db {
		for k, stmt := range s.stmtCache {
			stmt.Close()
			delete(s.stmtCache, k)
		}
		s.cacheOwner = s.db
	}

	if stmt, ok := s.stmtCache[key]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement %q: %w", key, err)
	}
	s.stmtCache[key] = stmt
	return stmt, nil
}

// TableExists reports whether a table exists.
func (s *Store) TableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Stats reports coarse store-wide counts, used by the CLI status/doctor
// commands.
type Stats struct {
	Path               string
	SchemaVersion      int
	MemoryCount        int
	PendingEmbeddings  int
	HistoryCount       int
	EdgeCount          int
	CheckpointCount    int
	VecAvailable       bool
	FileSizeBytes      int64
}

// GetStats returns store-wide statistics.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{Path: s.path, VecAvailable: s.vecAvailable}

	s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&stats.SchemaVersion)
	s.db.QueryRow("SELECT COUNT(*) FROM memory_index").Scan(&stats.MemoryCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM memory_index WHERE embedding_status IN ('pending','retry')`).Scan(&stats.PendingEmbeddings)
	s.db.QueryRow("SELECT COUNT(*) FROM memory_history").Scan(&stats.HistoryCount)
	s.db.QueryRow("SELECT COUNT(*) FROM causal_edges").Scan(&stats.EdgeCount)
	s.db.QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&stats.CheckpointCount)

	if info, err := os.Stat(s.path); err == nil {
		stats.FileSizeBytes = info.Size()
	}

	return stats, nil
}
