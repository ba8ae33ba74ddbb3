package engine

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// CoreSchema contains the main table definitions for the memory persistence
// core, following spec.md §3's data model.
const CoreSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- MEMORY_INDEX TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS memory_index (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT,
	spec_folder TEXT,
	content_hash TEXT,
	file_mtime_ms INTEGER,
	title TEXT,
	anchor_id TEXT,
	trigger_phrases TEXT DEFAULT '[]', -- JSON array
	importance_weight REAL NOT NULL DEFAULT 0.5 CHECK (importance_weight >= 0.0 AND importance_weight <= 1.0),
	importance_tier TEXT NOT NULL DEFAULT 'normal' CHECK (
		importance_tier IN ('constitutional', 'critical', 'important', 'normal', 'temporary', 'deprecated')
	),
	embedding_model TEXT,
	embedding_status TEXT NOT NULL DEFAULT 'pending' CHECK (
		embedding_status IN ('pending', 'retry', 'success', 'failed')
	),
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_retry_at DATETIME,
	failure_reason TEXT,
	embedding_generated_at DATETIME,
	context_type TEXT,
	channel TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_index_path_folder
	ON memory_index(file_path, spec_folder) WHERE file_path IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_memory_index_spec_folder ON memory_index(spec_folder);
CREATE INDEX IF NOT EXISTS idx_memory_index_embedding_status ON memory_index(embedding_status);
CREATE INDEX IF NOT EXISTS idx_memory_index_created_at ON memory_index(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_index_importance_tier ON memory_index(importance_tier);

-- =============================================================================
-- MEMORY_HISTORY TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS memory_history (
	id TEXT PRIMARY KEY,
	memory_id INTEGER NOT NULL,
	event TEXT NOT NULL CHECK (event IN ('ADD', 'UPDATE', 'DELETE')),
	actor TEXT NOT NULL DEFAULT 'system' CHECK (actor IN ('user', 'system', 'hook', 'decay')),
	occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	prev_value TEXT,
	new_value TEXT,
	FOREIGN KEY (memory_id) REFERENCES memory_index(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memory_history_memory_id ON memory_history(memory_id);
CREATE INDEX IF NOT EXISTS idx_memory_history_occurred_at ON memory_history(occurred_at);
CREATE INDEX IF NOT EXISTS idx_memory_history_event ON memory_history(event);

-- =============================================================================
-- CAUSAL_EDGES TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS causal_edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relation TEXT NOT NULL CHECK (
		relation IN ('caused', 'enabled', 'supersedes', 'contradicts', 'derived_from', 'supports')
	),
	strength REAL NOT NULL CHECK (strength >= 0.0 AND strength <= 1.0),
	evidence TEXT,
	extracted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK (source_id != target_id)
);

CREATE INDEX IF NOT EXISTS idx_causal_edges_source ON causal_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_causal_edges_target ON causal_edges(target_id);
CREATE INDEX IF NOT EXISTS idx_causal_edges_relation ON causal_edges(relation);
CREATE INDEX IF NOT EXISTS idx_causal_edges_strength ON causal_edges(strength);

-- =============================================================================
-- CHECKPOINTS TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	spec_folder TEXT,
	git_branch TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	blob BLOB NOT NULL,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_spec_folder ON checkpoints(spec_folder);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_last_used_at ON checkpoints(last_used_at);

-- =============================================================================
-- WORKING_MEMORY TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS working_memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	memory_id INTEGER NOT NULL,
	attention_score REAL NOT NULL DEFAULT 0.0,
	last_mentioned_turn INTEGER NOT NULL DEFAULT 0,
	tier TEXT NOT NULL DEFAULT 'normal',
	FOREIGN KEY (memory_id) REFERENCES memory_index(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_working_memory_session ON working_memory(session_id);
CREATE INDEX IF NOT EXISTS idx_working_memory_memory_id ON working_memory(memory_id);
`

// migrationV1ToV2Statements are idempotent ADD-COLUMN-style statements
// reserved for the next additive migration, following the teacher's
// tolerate-already-exists pattern. Empty today; kept as the documented
// extension point RunMigrations dispatches into.
var migrationV1ToV2Statements []string

// alterStatementsTolerant runs each statement in its own best-effort
// attempt, logging (not failing) on "already exists"-type errors. This is
// the idempotent `ALTER TABLE ADD COLUMN IF MISSING` pattern spec.md §4.1
// requires, grounded on the teacher's MigrationV1ToV2.
func (s *Store) alterStatementsTolerant(stmts []string) {
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			s.log.Debug("alter statement skipped (may already exist)", "stmt", stmt, "error", err)
		}
	}
}
