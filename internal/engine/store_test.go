package engine

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestStore opens a fresh store backed by a temp file and initializes
// its schema, following the teacher's newTestDB helper shape.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestStoreOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("store file was not created")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreInitSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"memory_index", "memory_history", "causal_edges", "checkpoints",
		"working_memory", "schema_version",
	}
	for _, table := range tables {
		exists, err := s.TableExists(table)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s should exist", table)
		}
	}
}

func TestStoreInitSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.InitSchema(); err != nil {
		t.Fatalf("second InitSchema call should be a no-op, got: %v", err)
	}
}

func TestStorePreparedCacheInvalidatesOnReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	if _, err := s.Prepared("count_memories", "SELECT COUNT(*) FROM memory_index"); err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	firstOwner := s.cacheOwner
	s.Close()

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	stmt, err := reopened.Prepared("count_memories", "SELECT COUNT(*) FROM memory_index")
	if err != nil {
		t.Fatalf("failed to prepare statement after reopen: %v", err)
	}
	if reopened.cacheOwner == firstOwner {
		t.Error("expected cache owner to change after reopening the store")
	}
	var count int
	if err := stmt.QueryRow().Scan(&count); err != nil {
		t.Fatalf("failed to execute cached statement: %v", err)
	}
}

func TestStoreGetStats(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.MemoryCount != 0 {
		t.Errorf("expected 0 memories on a fresh store, got %d", stats.MemoryCount)
	}
	if stats.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, stats.SchemaVersion)
	}
}
