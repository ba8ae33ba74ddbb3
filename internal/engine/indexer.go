package engine

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/memcore/memcore/internal/logging"
)

// ReindexReason is the reason code attached to a Decision (spec.md §4.2).
type ReindexReason string

const (
	ReasonNewFile          ReindexReason = "new_file"
	ReasonContentChanged   ReindexReason = "content_changed"
	ReasonEmbeddingPending ReindexReason = "embedding_pending"
	ReasonEmbeddingRetry   ReindexReason = "embedding_retry"
	ReasonEmbeddingFailed  ReindexReason = "embedding_failed"
	ReasonForceRequested   ReindexReason = "force_requested"
	ReasonMtimeUnchanged   ReindexReason = "mtime_unchanged"
	ReasonContentUnchanged ReindexReason = "content_unchanged"
	ReasonFileNotFound     ReindexReason = "file_not_found"
)

// ReindexOutcome is the outcome of a should_reindex decision.
type ReindexOutcome string

const (
	OutcomeReindex ReindexOutcome = "reindex"
	OutcomeSkip    ReindexOutcome = "skip"
	OutcomeError   ReindexOutcome = "error"
)

// IndexerOptions controls should_reindex behavior.
type IndexerOptions struct {
	Force bool
}

// Decision is the result of should_reindex.
type Decision struct {
	Outcome ReindexOutcome
	Reason  ReindexReason

	// UpdateMtime instructs the caller to persist the new mtime even
	// though no reindex is needed (content_unchanged path).
	UpdateMtime bool
	NewMtimeMs  int64

	// FastPath is true when the decision was made without computing a
	// content hash.
	FastPath bool

	CurrentHash string
	StoredHash  string
}

// storedMemoryMeta is the subset of memory_index columns the indexer
// needs to decide on a file.
type storedMemoryMeta struct {
	ID              int64
	ContentHash     string
	FileMtimeMs     int64
	EmbeddingStatus string
}

// fastPathWindowMs is the mtime-delta window below which content hashing
// is skipped entirely (spec.md §4.2, boundary: 999ms fast path, 1001ms
// hash-compared).
const fastPathWindowMs = 1000

// Indexer implements the Incremental Indexer (C2): a pure decision
// function over (file metadata, stored metadata, options), grounded on the
// validate-then-dispatch shape used throughout the teacher's service
// layer.
type Indexer struct {
	store *Store
	log   *logging.Logger
}

// NewIndexer constructs an Indexer bound to store.
func NewIndexer(store *Store) *Indexer {
	return &Indexer{store: store, log: logging.GetLogger("indexer")}
}

// ShouldReindex decides whether filePath needs to be reindexed, following
// the algorithm of spec.md §4.2 exactly: fast path first (no stored row,
// no hash computed), then force, then embedding-status overrides, then the
// mtime fast path, then a content-hash comparison.
func (ix *Indexer) ShouldReindex(filePath string, opts IndexerOptions) (Decision, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			ix.log.Debug("file not found", "path", filePath)
			return Decision{Outcome: OutcomeError, Reason: ReasonFileNotFound}, nil
		}
		return Decision{}, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	currentMtimeMs := info.ModTime().UnixMilli()

	stored, found, err := ix.lookupStored(filePath)
	if err != nil {
		return Decision{}, err
	}

	// 1. No stored row -> reindex/new_file, fast path, no hash needed.
	if !found {
		return Decision{Outcome: OutcomeReindex, Reason: ReasonNewFile, FastPath: true}, nil
	}

	// 2. Force requested.
	if opts.Force {
		return Decision{Outcome: OutcomeReindex, Reason: ReasonForceRequested}, nil
	}

	// 3. Embedding status override.
	if stored.EmbeddingStatus != "success" {
		reason := ReasonEmbeddingPending
		switch stored.EmbeddingStatus {
		case "retry":
			reason = ReasonEmbeddingRetry
		case "failed":
			reason = ReasonEmbeddingFailed
		}
		return Decision{Outcome: OutcomeReindex, Reason: reason}, nil
	}

	// 4. Mtime fast path.
	delta := currentMtimeMs - stored.FileMtimeMs
	if delta < 0 {
		delta = -delta
	}
	if delta < fastPathWindowMs {
		return Decision{Outcome: OutcomeSkip, Reason: ReasonMtimeUnchanged, FastPath: true}, nil
	}

	// 5. Content-hash comparison.
	currentHash, err := hashFile(filePath)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to hash %s: %w", filePath, err)
	}
	if currentHash == stored.ContentHash {
		return Decision{
			Outcome:     OutcomeSkip,
			Reason:      ReasonContentUnchanged,
			UpdateMtime: true,
			NewMtimeMs:  currentMtimeMs,
			CurrentHash: currentHash,
			StoredHash:  stored.ContentHash,
		}, nil
	}

	// 6. Content changed.
	return Decision{
		Outcome:     OutcomeReindex,
		Reason:      ReasonContentChanged,
		CurrentHash: currentHash,
		StoredHash:  stored.ContentHash,
	}, nil
}

func (ix *Indexer) lookupStored(filePath string) (storedMemoryMeta, bool, error) {
	var m storedMemoryMeta
	var hash sql.NullString
	var mtime sql.NullInt64

	row := ix.store.db.QueryRow(`
		SELECT id, content_hash, file_mtime_ms, embedding_status
		FROM memory_index WHERE file_path = ?
	`, filePath)
	if err := row.Scan(&m.ID, &hash, &mtime, &m.EmbeddingStatus); err != nil {
		if err == sql.ErrNoRows {
			return storedMemoryMeta{}, false, nil
		}
		return storedMemoryMeta{}, false, fmt.Errorf("failed to look up stored memory: %w", err)
	}

	m.ContentHash = hash.String
	m.FileMtimeMs = mtime.Int64

	return m, true, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CategorizeResult aggregates should_reindex decisions across a batch of
// files.
type CategorizeResult struct {
	NeedsIndexing    []string
	NeedsMtimeUpdate []MtimeUpdate
	Unchanged        []string
	NotFound         []string
	Stats            map[ReindexReason]int
}

// MtimeUpdate pairs a path with the new mtime to persist.
type MtimeUpdate struct {
	Path       string
	NewMtimeMs int64
}

// Categorize applies ShouldReindex to every path and aggregates the
// result, per spec.md §4.2's batch operation.
func (ix *Indexer) Categorize(paths []string, opts IndexerOptions) (*CategorizeResult, error) {
	result := &CategorizeResult{Stats: make(map[ReindexReason]int)}

	for _, p := range paths {
		d, err := ix.ShouldReindex(p, opts)
		if err != nil {
			return nil, err
		}
		result.Stats[d.Reason]++

		switch {
		case d.Outcome == OutcomeReindex:
			result.NeedsIndexing = append(result.NeedsIndexing, p)
		case d.Outcome == OutcomeSkip && d.UpdateMtime:
			result.NeedsMtimeUpdate = append(result.NeedsMtimeUpdate, MtimeUpdate{Path: p, NewMtimeMs: d.NewMtimeMs})
		case d.Outcome == OutcomeSkip:
			result.Unchanged = append(result.Unchanged, p)
		case d.Outcome == OutcomeError:
			result.NotFound = append(result.NotFound, p)
		}
	}

	return result, nil
}

// BatchUpdateMtimes commits every mtime-only update in one transaction,
// per spec.md §4.2.
func (ix *Indexer) BatchUpdateMtimes(updates []MtimeUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := ix.store.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mtime batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE memory_index SET file_mtime_ms = ?, updated_at = CURRENT_TIMESTAMP WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare mtime update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.Exec(u.NewMtimeMs, u.Path); err != nil {
			return fmt.Errorf("failed to update mtime for %s: %w", u.Path, err)
		}
	}

	return tx.Commit()
}

