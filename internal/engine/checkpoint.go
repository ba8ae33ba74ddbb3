package engine

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/memcore/memcore/internal/logging"
)

// maxSnapshotBytes is the uncompressed JSON size cap, per spec.md §4.7.1
// point 6.
const maxSnapshotBytes = 100 * 1024 * 1024

// deleteBatchSize is the placeholder batch size used for the clear
// phase's history/vec_memories deletes, per spec.md §4.7.3; memory_index
// rows are removed with a single DELETE.
const deleteBatchSize = 500

var checkpointNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// CheckpointEngine implements the Checkpoint Engine (C7): compressed
// snapshots of memories, embeddings, and optional working memory with
// UPSERT-style restore. Grounded on the sqlitevec client's
// SerializeFloat32/NeedsRebuild/GetStaleVectors patterns for the
// embedding byte<->float conversion and staleness logic, and on the
// teacher's transaction-wrapped schema/migration pattern for the
// all-or-nothing restore transaction.
type CheckpointEngine struct {
	store *Store
	log   *logging.Logger

	maxCheckpoints int
	ttlDays        int
}

// NewCheckpointEngine constructs a CheckpointEngine bound to store.
func NewCheckpointEngine(store *Store, maxCheckpoints, ttlDays int) *CheckpointEngine {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 10
	}
	if ttlDays <= 0 {
		ttlDays = 30
	}
	return &CheckpointEngine{
		store:          store,
		log:            logging.GetLogger("checkpoint"),
		maxCheckpoints: maxCheckpoints,
		ttlDays:        ttlDays,
	}
}

// snapshotMemory is the on-disk shape of one memory_index row inside a
// checkpoint snapshot.
type snapshotMemory struct {
	OldID             int64   `json:"old_id"`
	FilePath          string  `json:"file_path,omitempty"`
	SpecFolder        string  `json:"spec_folder,omitempty"`
	ContentHash       string  `json:"content_hash,omitempty"`
	FileMtimeMs       int64   `json:"file_mtime_ms,omitempty"`
	Title             string  `json:"title,omitempty"`
	AnchorID          string  `json:"anchor_id,omitempty"`
	TriggerPhrases    string  `json:"trigger_phrases,omitempty"`
	ImportanceWeight  float64 `json:"importance_weight"`
	ImportanceTier    string  `json:"importance_tier"`
	EmbeddingModel    string  `json:"embedding_model,omitempty"`
	ContextType       string  `json:"context_type,omitempty"`
	Channel           string  `json:"channel,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// snapshotWorkingMemory is the on-disk shape of one working_memory row.
type snapshotWorkingMemory struct {
	SessionID         string  `json:"session_id"`
	OldMemoryID       int64   `json:"old_memory_id"`
	AttentionScore    float64 `json:"attention_score"`
	LastMentionedTurn int     `json:"last_mentioned_turn"`
	Tier              string  `json:"tier"`
}

// checkpointSnapshot is the full JSON document stored (gzip-compressed)
// in checkpoints.blob.
type checkpointSnapshot struct {
	Version             int                       `json:"version"`
	SpecFolder          string                    `json:"spec_folder,omitempty"`
	EmbeddingDimension  int                       `json:"embedding_dimension"`
	CreatedAt           time.Time                 `json:"created_at"`
	Memories            []snapshotMemory          `json:"memories"`
	Embeddings          map[int64][]float32       `json:"embeddings,omitempty"`
	WorkingMemory       []snapshotWorkingMemory   `json:"working_memory,omitempty"`
}

const snapshotFormatVersion = 1

// CreateOptions controls Create.
type CreateOptions struct {
	SpecFolder            string
	Metadata              map[string]any
	IncludeWorkingMemory  bool
	SessionID             string
}

// Create builds, compresses, and stores a checkpoint snapshot, per
// spec.md §4.7.1.
func (ck *CheckpointEngine) Create(name string, opts CreateOptions) (int64, error) {
	if !checkpointNamePattern.MatchString(name) {
		return 0, fmt.Errorf("%w: checkpoint name must match %s", ErrValidation, checkpointNamePattern.String())
	}

	snap := checkpointSnapshot{
		Version:            snapshotFormatVersion,
		SpecFolder:         opts.SpecFolder,
		EmbeddingDimension: ck.store.EmbeddingDimension(),
		CreatedAt:          time.Now(),
	}

	memories, err := ck.collectMemories(opts.SpecFolder)
	if err != nil {
		return 0, err
	}
	snap.Memories = memories

	if ck.store.VecAvailable() {
		embeddings, err := ck.collectEmbeddings(memories)
		if err != nil {
			return 0, err
		}
		snap.Embeddings = embeddings
	}

	if opts.IncludeWorkingMemory {
		wm, err := ck.collectWorkingMemory(opts.SessionID)
		if err != nil {
			return 0, err
		}
		snap.WorkingMemory = wm
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if len(payload) > maxSnapshotBytes {
		return 0, fmt.Errorf("%w: snapshot is %d bytes, limit is %d", ErrSizeLimitExceeded, len(payload), maxSnapshotBytes)
	}

	compressed, err := gzipCompress(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	metaJSON, err := json.Marshal(opts.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	gitBranch := CurrentGitBranch(".", 0)

	tx, err := ck.store.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO checkpoints (name, spec_folder, git_branch, created_at, last_used_at, blob, metadata)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?, ?)
	`, name, nullableString(opts.SpecFolder), nullableString(gitBranch), compressed, string(metaJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: checkpoint %q", ErrNameCollision, name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new checkpoint id: %w", err)
	}

	if err := ck.enforceCaps(tx); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	ck.log.Info("checkpoint created", "name", name, "id", id, "memories", len(snap.Memories))
	return id, nil
}

func (ck *CheckpointEngine) collectMemories(specFolder string) ([]snapshotMemory, error) {
	query := `
		SELECT id, file_path, spec_folder, content_hash, file_mtime_ms, title, anchor_id,
		       trigger_phrases, importance_weight, importance_tier, embedding_model,
		       context_type, channel, created_at
		FROM memory_index`
	var args []any
	if specFolder != "" {
		query += " WHERE spec_folder = ?"
		args = append(args, specFolder)
	}

	rows, err := ck.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect memories: %w", err)
	}
	defer rows.Close()

	var out []snapshotMemory
	for rows.Next() {
		var m snapshotMemory
		var filePath, spec, hash, title, anchor, triggers, model, ctxType, channel sql.NullString
		var mtime sql.NullInt64

		if err := rows.Scan(&m.OldID, &filePath, &spec, &hash, &mtime, &title, &anchor,
			&triggers, &m.ImportanceWeight, &m.ImportanceTier, &model, &ctxType, &channel, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}

		m.FilePath = filePath.String
		m.SpecFolder = spec.String
		m.ContentHash = hash.String
		m.FileMtimeMs = mtime.Int64
		m.Title = title.String
		m.AnchorID = anchor.String
		m.TriggerPhrases = triggers.String
		m.EmbeddingModel = model.String
		m.ContextType = ctxType.String
		m.Channel = channel.String

		out = append(out, m)
	}
	return out, rows.Err()
}

func (ck *CheckpointEngine) collectEmbeddings(memories []snapshotMemory) (map[int64][]float32, error) {
	embeddings := make(map[int64][]float32)
	for _, m := range memories {
		var blob []byte
		err := ck.store.db.QueryRow(`SELECT embedding FROM vec_memories WHERE rowid = ?`, m.OldID).Scan(&blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			ck.log.Warn("failed to read embedding, skipping", "memory_id", m.OldID, "error", err)
			continue
		}
		embeddings[m.OldID] = deserializeFloat32(blob)
	}
	return embeddings, nil
}

func (ck *CheckpointEngine) collectWorkingMemory(sessionID string) ([]snapshotWorkingMemory, error) {
	query := `SELECT session_id, memory_id, attention_score, last_mentioned_turn, tier FROM working_memory`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	exists, err := ck.store.TableExists("working_memory")
	if err != nil || !exists {
		return nil, nil
	}

	rows, err := ck.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect working memory: %w", err)
	}
	defer rows.Close()

	var out []snapshotWorkingMemory
	for rows.Next() {
		var w snapshotWorkingMemory
		if err := rows.Scan(&w.SessionID, &w.OldMemoryID, &w.AttentionScore, &w.LastMentionedTurn, &w.Tier); err != nil {
			return nil, fmt.Errorf("failed to scan working memory row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// enforceCaps prunes oldest checkpoints beyond maxCheckpoints, then
// deletes any whose max(created_at, last_used_at) is older than
// ttlDays, inside the caller's transaction so concurrent creation
// cannot over-prune (spec.md §4.7.1 point 9).
func (ck *CheckpointEngine) enforceCaps(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY created_at DESC LIMIT ?
		)
	`, ck.maxCheckpoints); err != nil {
		return fmt.Errorf("failed to enforce checkpoint cap: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -ck.ttlDays)
	if _, err := tx.Exec(`
		DELETE FROM checkpoints WHERE MAX(created_at, last_used_at) < ?
	`, cutoff); err != nil {
		return fmt.Errorf("failed to enforce checkpoint ttl: %w", err)
	}
	return nil
}

// CheckpointDescriptor is a blob-free summary row.
type CheckpointDescriptor struct {
	ID         int64
	Name       string
	SpecFolder string
	GitBranch  string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Metadata   map[string]any
}

// List returns descriptor rows only, per spec.md §4.7.2.
func (ck *CheckpointEngine) List(specFolder string, limit int) ([]CheckpointDescriptor, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, name, spec_folder, git_branch, created_at, last_used_at, metadata FROM checkpoints`
	var args []any
	if specFolder != "" {
		query += " WHERE spec_folder = ?"
		args = append(args, specFolder)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := ck.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointDescriptor
	for rows.Next() {
		var d CheckpointDescriptor
		var spec, branch, metaJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &spec, &branch, &d.CreatedAt, &d.LastUsedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint descriptor: %w", err)
		}
		d.SpecFolder = spec.String
		d.GitBranch = branch.String
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &d.Metadata)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get decompresses and parses the named checkpoint, touching
// last_used_at as a side effect. Reports distinct errors for
// decompression versus parse failures, and tolerates the legacy
// bare-array snapshot shape.
func (ck *CheckpointEngine) Get(name string) (*checkpointSnapshot, error) {
	var blob []byte
	err := ck.store.db.QueryRow(`SELECT blob FROM checkpoints WHERE name = ?`, name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: checkpoint %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %q: %w", name, err)
	}

	payload, err := gzipDecompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress checkpoint %q: %v", ErrCorruptBlob, name, err)
	}

	snap, err := parseSnapshot(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse checkpoint %q: %v", ErrCorruptBlob, name, err)
	}

	if _, err := ck.store.db.Exec(`UPDATE checkpoints SET last_used_at = CURRENT_TIMESTAMP WHERE name = ?`, name); err != nil {
		ck.log.Warn("failed to touch last_used_at", "name", name, "error", err)
	}

	return snap, nil
}

// parseSnapshot parses payload as a checkpointSnapshot, tolerating the
// legacy shape of a bare JSON array of memories (no embeddings wrapper).
// The shape is chosen by the top-level JSON value: an array is legacy,
// anything else is parsed as the object form.
func parseSnapshot(payload []byte) (*checkpointSnapshot, error) {
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '[' {
		var legacy []snapshotMemory
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, fmt.Errorf("unrecognized snapshot shape: %w", err)
		}
		return &checkpointSnapshot{Version: 0, Memories: legacy}, nil
	}

	var snap checkpointSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unrecognized snapshot shape: %w", err)
	}
	return &snap, nil
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	ClearExisting        bool
	ClearScope           string // spec_folder; empty means global restore
	ReinsertMemories     bool
	IncludeWorkingMemory bool
	SessionID            string
}

// RestoreReport is returned by Restore, per spec.md §4.7.3.
type RestoreReport struct {
	Cleared               int
	Deprecated            int
	Inserted              int
	Updated               int
	Skipped               int
	EmbeddingsRestored    int
	EmbeddingsSkipped     int
	EmbeddingsInSnapshot  int
	WorkingMemoryRestored int
	Note                  string
}

// Restore executes the full restore protocol of spec.md §4.7.3 inside
// one transaction: any failure rolls back the entire operation.
func (ck *CheckpointEngine) Restore(name string, opts RestoreOptions) (*RestoreReport, error) {
	snap, err := ck.Get(name)
	if err != nil {
		return nil, err
	}

	tx, err := ck.store.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin restore transaction: %w", err)
	}
	defer tx.Rollback()

	report := &RestoreReport{EmbeddingsInSnapshot: len(snap.Embeddings)}

	if err := ck.clearPhase(tx, opts, report); err != nil {
		return nil, err
	}

	idMap, err := ck.upsertPhase(tx, snap, report)
	if err != nil {
		return nil, err
	}

	if ck.store.VecAvailable() && len(snap.Embeddings) > 0 {
		if err := ck.embeddingRestorePhase(tx, snap, idMap, report); err != nil {
			return nil, err
		}
	}

	if opts.IncludeWorkingMemory {
		if err := ck.workingMemoryRestorePhase(tx, snap, idMap, opts.SessionID, report); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit restore: %w", err)
	}

	if report.EmbeddingsInSnapshot > 0 && !ck.store.VecAvailable() {
		report.Note = "restored; vector extension unavailable, embeddings were not restored and a reindex pass is required before semantic search works"
	} else if report.EmbeddingsInSnapshot > 0 && report.EmbeddingsSkipped > 0 {
		report.Note = "restored; some embeddings require a subsequent reindex pass before semantic search covers them"
	} else if report.EmbeddingsInSnapshot > 0 {
		report.Note = "restored; semantic search should work immediately"
	} else {
		report.Note = "restored; no embeddings in snapshot, a reindex pass is required before semantic search works"
	}
	switch {
	case opts.ClearExisting:
		report.Note += "; existing memories in scope were hard-deleted first"
	case opts.ClearScope != "":
		report.Note += "; existing memories in scope were soft-cleared to deprecated"
	default:
		report.Note += "; nothing was cleared, snapshot memories were merged into existing ones"
	}

	ck.log.Info("checkpoint restored", "name", name, "inserted", report.Inserted, "updated", report.Updated)
	return report, nil
}

// clearPhase implements spec.md §4.7.3's clear phase: hard delete in FK
// order when ClearExisting, or a soft-clear (tier=deprecated) when a
// scope is set and ClearExisting is false. Per DESIGN.md's resolution of
// the associated Open Question, an unscoped restore with
// ClearExisting=false performs no clear step at all — the upsert phase
// behaves as a merge.
func (ck *CheckpointEngine) clearPhase(tx *sql.Tx, opts RestoreOptions, report *RestoreReport) error {
	if !opts.ClearExisting {
		if opts.ClearScope == "" {
			return nil
		}
		res, err := tx.Exec(`
			UPDATE memory_index SET importance_tier = 'deprecated', updated_at = CURRENT_TIMESTAMP
			WHERE spec_folder = ?
		`, opts.ClearScope)
		if err != nil {
			return fmt.Errorf("failed to soft-clear scope %q: %w", opts.ClearScope, err)
		}
		n, _ := res.RowsAffected()
		report.Deprecated = int(n)
		return nil
	}

	ids, err := ck.scopedMemoryIDs(tx, opts.ClearScope)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := ck.batchDelete(tx, "memory_history", "memory_id", ids); err != nil {
		return err
	}
	if err := ck.batchDeleteTolerant(tx, "vec_memories", "rowid", ids); err != nil {
		return err
	}

	var res sql.Result
	if opts.ClearScope == "" {
		res, err = tx.Exec(`DELETE FROM memory_index`)
	} else {
		res, err = tx.Exec(`DELETE FROM memory_index WHERE spec_folder = ?`, opts.ClearScope)
	}
	if err != nil {
		return fmt.Errorf("failed to clear memory_index: %w", err)
	}
	n, _ := res.RowsAffected()
	report.Cleared = int(n)
	return nil
}

func (ck *CheckpointEngine) scopedMemoryIDs(tx *sql.Tx, scope string) ([]int64, error) {
	query := `SELECT id FROM memory_index`
	var args []any
	if scope != "" {
		query += ` WHERE spec_folder = ?`
		args = append(args, scope)
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scoped memory ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// batchDelete deletes rows from table where col IN (ids), in batches of
// deleteBatchSize placeholders.
func (ck *CheckpointEngine) batchDelete(tx *sql.Tx, table, col string, ids []int64) error {
	for _, batch := range chunkInt64(ids, deleteBatchSize) {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, col, placeholders)
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to batch-delete from %s: %w", table, err)
		}
	}
	return nil
}

// batchDeleteTolerant is batchDelete but ignores "no such table" and
// SQLITE_BUSY errors, per spec.md §4.7.3's clear phase point (b).
func (ck *CheckpointEngine) batchDeleteTolerant(tx *sql.Tx, table, col string, ids []int64) error {
	for _, batch := range chunkInt64(ids, deleteBatchSize) {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, col, placeholders)
		if _, err := tx.Exec(query, args...); err != nil {
			msg := err.Error()
			if strings.Contains(msg, "no such table") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
				ck.log.Debug("tolerated transient error during batch delete", "table", table, "error", err)
				continue
			}
			return fmt.Errorf("failed to batch-delete from %s: %w", table, err)
		}
	}
	return nil
}

func chunkInt64(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// upsertPhase implements spec.md §4.7.3's deduplication prefetch and
// upsert phase.
func (ck *CheckpointEngine) upsertPhase(tx *sql.Tx, snap *checkpointSnapshot, report *RestoreReport) (map[int64]int64, error) {
	existing, err := ck.prefetchExisting(tx, snap.Memories)
	if err != nil {
		return nil, err
	}

	idMap := make(map[int64]int64, len(snap.Memories))
	vecOK := ck.store.VecAvailable()

	for _, m := range snap.Memories {
		status := "pending"
		if vecOK {
			if _, ok := snap.Embeddings[m.OldID]; ok {
				status = "success"
			}
		}

		if m.FilePath == "" {
			newID, err := ck.insertMemory(tx, m, status)
			if err != nil {
				return nil, err
			}
			idMap[m.OldID] = newID
			report.Inserted++
			continue
		}

		key := dedupeKey{FilePath: m.FilePath, SpecFolder: m.SpecFolder}
		if existingID, found := existing[key]; found {
			if err := ck.updateMemory(tx, existingID, m, status); err != nil {
				return nil, err
			}
			idMap[m.OldID] = existingID
			report.Updated++
			continue
		}

		newID, err := ck.insertMemory(tx, m, status)
		if err != nil {
			return nil, err
		}
		idMap[m.OldID] = newID
		report.Inserted++
	}

	return idMap, nil
}

type dedupeKey struct {
	FilePath   string
	SpecFolder string
}

// prefetchExisting issues one bulk query per unique spec_folder in the
// snapshot, building {(file_path, spec_folder) -> existing_id} in
// memory rather than one point lookup per row (spec.md §4.7.3
// Deduplication prefetch).
func (ck *CheckpointEngine) prefetchExisting(tx *sql.Tx, memories []snapshotMemory) (map[dedupeKey]int64, error) {
	folders := make(map[string]bool)
	for _, m := range memories {
		if m.FilePath != "" {
			folders[m.SpecFolder] = true
		}
	}

	existing := make(map[dedupeKey]int64)
	for folder := range folders {
		var rows *sql.Rows
		var err error
		if folder == "" {
			rows, err = tx.Query(`SELECT id, file_path, spec_folder FROM memory_index WHERE spec_folder IS NULL`)
		} else {
			rows, err = tx.Query(`SELECT id, file_path, spec_folder FROM memory_index WHERE spec_folder = ?`, folder)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to prefetch existing memories for folder %q: %w", folder, err)
		}
		for rows.Next() {
			var id int64
			var fp, sf sql.NullString
			if err := rows.Scan(&id, &fp, &sf); err != nil {
				rows.Close()
				return nil, err
			}
			existing[dedupeKey{FilePath: fp.String, SpecFolder: sf.String}] = id
		}
		rows.Close()
	}
	return existing, nil
}

func (ck *CheckpointEngine) insertMemory(tx *sql.Tx, m snapshotMemory, status string) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO memory_index (file_path, spec_folder, content_hash, file_mtime_ms, title, anchor_id,
			trigger_phrases, importance_weight, importance_tier, embedding_model, embedding_status,
			context_type, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, nullableString(m.FilePath), nullableString(m.SpecFolder), nullableString(m.ContentHash), m.FileMtimeMs,
		nullableString(m.Title), nullableString(m.AnchorID), emptyToDefault(m.TriggerPhrases, "[]"),
		m.ImportanceWeight, m.ImportanceTier, nullableString(m.EmbeddingModel), status,
		nullableString(m.ContextType), nullableString(m.Channel), m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert restored memory: %w", err)
	}
	return res.LastInsertId()
}

func emptyToDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (ck *CheckpointEngine) updateMemory(tx *sql.Tx, id int64, m snapshotMemory, status string) error {
	_, err := tx.Exec(`
		UPDATE memory_index SET
			content_hash = ?, file_mtime_ms = ?, title = ?, anchor_id = ?, trigger_phrases = ?,
			importance_weight = ?, importance_tier = ?, embedding_model = ?, embedding_status = ?,
			context_type = ?, channel = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullableString(m.ContentHash), m.FileMtimeMs, nullableString(m.Title), nullableString(m.AnchorID),
		emptyToDefault(m.TriggerPhrases, "[]"), m.ImportanceWeight, m.ImportanceTier, nullableString(m.EmbeddingModel),
		status, nullableString(m.ContextType), nullableString(m.Channel), id)
	if err != nil {
		return fmt.Errorf("failed to update restored memory %d: %w", id, err)
	}
	return nil
}

// embeddingRestorePhase restores vectors for mapped memories whose
// dimension matches the current provider dimension, per spec.md
// §4.7.3's embedding restoration step.
func (ck *CheckpointEngine) embeddingRestorePhase(tx *sql.Tx, snap *checkpointSnapshot, idMap map[int64]int64, report *RestoreReport) error {
	currentDim := ck.store.EmbeddingDimension()

	for oldID, vec := range snap.Embeddings {
		newID, mapped := idMap[oldID]
		if !mapped {
			continue
		}

		if currentDim > 0 && len(vec) != currentDim {
			report.EmbeddingsSkipped++
			if _, err := tx.Exec(`UPDATE memory_index SET embedding_status = 'pending' WHERE id = ?`, newID); err != nil {
				return fmt.Errorf("failed to mark dimension-mismatched memory pending: %w", err)
			}
			continue
		}

		blob, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			report.EmbeddingsSkipped++
			continue
		}

		if _, err := tx.Exec(`INSERT INTO vec_memories (rowid, embedding) VALUES (?, ?)`, newID, blob); err != nil {
			ck.log.Warn("failed to restore embedding, marking pending", "memory_id", newID, "error", err)
			report.EmbeddingsSkipped++
			if _, updErr := tx.Exec(`UPDATE memory_index SET embedding_status = 'pending' WHERE id = ?`, newID); updErr != nil {
				return fmt.Errorf("failed to mark memory pending after embedding insert failure: %w", updErr)
			}
			continue
		}
		report.EmbeddingsRestored++
	}
	return nil
}

// workingMemoryRestorePhase restores working_memory rows inside a named
// SAVEPOINT, per spec.md §4.7.3's working-memory restoration. A failure is
// rolled back to the savepoint and then returned, which also aborts the
// enclosing restore transaction. When sessionID is set only that session
// is restored; its existing rows are wiped even if the snapshot carries
// none for it (DESIGN.md's resolution of the associated Open Question).
func (ck *CheckpointEngine) workingMemoryRestorePhase(tx *sql.Tx, snap *checkpointSnapshot, idMap map[int64]int64, sessionID string, report *RestoreReport) error {
	if _, err := tx.Exec(`SAVEPOINT working_memory_restore`); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := ck.restoreWorkingMemory(tx, snap, idMap, sessionID, report); err != nil {
		if _, rbErr := tx.Exec(`ROLLBACK TO working_memory_restore`); rbErr != nil {
			return fmt.Errorf("failed to roll back to savepoint after %v: %w", err, rbErr)
		}
		return err
	}

	if _, err := tx.Exec(`RELEASE working_memory_restore`); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (ck *CheckpointEngine) restoreWorkingMemory(tx *sql.Tx, snap *checkpointSnapshot, idMap map[int64]int64, sessionID string, report *RestoreReport) error {
	sessions := make(map[string]bool)
	if sessionID != "" {
		sessions[sessionID] = true
	} else {
		for _, w := range snap.WorkingMemory {
			sessions[w.SessionID] = true
		}
	}
	for session := range sessions {
		if _, err := tx.Exec(`DELETE FROM working_memory WHERE session_id = ?`, session); err != nil {
			return fmt.Errorf("failed to wipe working memory for session %q: %w", session, err)
		}
	}

	for _, w := range snap.WorkingMemory {
		newMemoryID, mapped := idMap[w.OldMemoryID]
		if !mapped || !sessions[w.SessionID] {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO working_memory (session_id, memory_id, attention_score, last_mentioned_turn, tier)
			VALUES (?, ?, ?, ?, ?)
		`, w.SessionID, newMemoryID, w.AttentionScore, w.LastMentionedTurn, w.Tier); err != nil {
			return fmt.Errorf("failed to restore working memory row: %w", err)
		}
		report.WorkingMemoryRestored++
	}
	return nil
}

// Delete removes a checkpoint by name. Idempotent: deleting a
// nonexistent checkpoint is not an error.
func (ck *CheckpointEngine) Delete(name string) (bool, error) {
	res, err := ck.store.db.Exec(`DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32's little-endian
// packed float32 layout. No pack example shows the inverse operation; it
// follows directly from the documented vec0 blob format.
func deserializeFloat32(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(blob[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
