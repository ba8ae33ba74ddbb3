package engine

import (
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memcore/memcore/internal/logging"
)

// maxRetryCount is the retry ceiling after which a memory transitions
// from "retry" to "failed" (spec.md §4.8).
const maxRetryCount = 3

// retryBackoffWindow is how long a "retry" row is excluded from
// get_unindexed_documents after its last attempt.
const retryBackoffWindow = time.Hour

// RefreshCoordinator implements the Index Refresh Coordinator (C8),
// grounded on the sqlitevec client's NeedsRebuild/GetStaleVectors/
// GetHealthStats status-bucketed counting and retry/backoff windowing.
type RefreshCoordinator struct {
	store *Store
	log   *logging.Logger
	sf    singleflight.Group
}

// NewRefreshCoordinator constructs a RefreshCoordinator bound to store.
func NewRefreshCoordinator(store *Store) *RefreshCoordinator {
	return &RefreshCoordinator{store: store, log: logging.GetLogger("refresh")}
}

// RefreshStats reports embedding-status bucket counts.
type RefreshStats struct {
	Pending      int
	Retry        int
	Success      int
	Failed       int
	NeedsRefresh bool
}

// GetStats aggregates embedding_status bucket counts; NeedsRefresh is
// true whenever any row is pending or in retry, per spec.md §4.8.
func (rc *RefreshCoordinator) GetStats() (*RefreshStats, error) {
	stats := &RefreshStats{}

	rows, err := rc.store.db.Query(`SELECT embedding_status, COUNT(*) FROM memory_index GROUP BY embedding_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate embedding status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case "pending":
			stats.Pending = count
		case "retry":
			stats.Retry = count
		case "success":
			stats.Success = count
		case "failed":
			stats.Failed = count
		}
	}

	stats.NeedsRefresh = stats.Pending > 0 || stats.Retry > 0
	return stats, nil
}

// UnindexedDocument is a row returned by GetUnindexedDocuments.
type UnindexedDocument struct {
	ID         int64
	FilePath   string
	RetryCount int
	Status     string
}

// GetUnindexedDocuments returns documents that still need an embedding:
// status in (pending, retry), retry_count < maxRetryCount, and
// last_retry_at older than retryBackoffWindow or NULL,
// ordered oldest-created first. Concurrent callers are deduplicated via
// singleflight so two overlapping refresh passes share one query,
// grounded on the sqlitevec client's lookup dedup.
func (rc *RefreshCoordinator) GetUnindexedDocuments(limit int) ([]UnindexedDocument, error) {
	key := fmt.Sprintf("unindexed:%d", limit)
	v, err, _ := rc.sf.Do(key, func() (any, error) {
		return rc.queryUnindexed(limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]UnindexedDocument), nil
}

func (rc *RefreshCoordinator) queryUnindexed(limit int) ([]UnindexedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-retryBackoffWindow)

	rows, err := rc.store.db.Query(`
		SELECT id, file_path, retry_count, embedding_status
		FROM memory_index
		WHERE embedding_status IN ('pending', 'retry')
		  AND retry_count < ?
		  AND (last_retry_at IS NULL OR last_retry_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, maxRetryCount, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unindexed documents: %w", err)
	}
	defer rows.Close()

	var docs []UnindexedDocument
	for rows.Next() {
		var d UnindexedDocument
		var filePath sql.NullString
		if err := rows.Scan(&d.ID, &filePath, &d.RetryCount, &d.Status); err != nil {
			return nil, fmt.Errorf("failed to scan unindexed document: %w", err)
		}
		d.FilePath = filePath.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// MarkIndexed transitions a memory to embedding_status=success.
func (rc *RefreshCoordinator) MarkIndexed(memoryID int64, model string) error {
	_, err := rc.store.db.Exec(`
		UPDATE memory_index
		SET embedding_status = 'success', embedding_model = ?, embedding_generated_at = CURRENT_TIMESTAMP,
		    failure_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, model, memoryID)
	if err != nil {
		return fmt.Errorf("failed to mark memory %d indexed: %w", memoryID, err)
	}
	return nil
}

// MarkFailed increments retry_count and transitions to "failed" once the
// ceiling is reached, otherwise to "retry", per spec.md §4.8.
func (rc *RefreshCoordinator) MarkFailed(memoryID int64, reason string) error {
	var retryCount int
	err := rc.store.db.QueryRow(`SELECT retry_count FROM memory_index WHERE id = ?`, memoryID).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: memory %d", ErrNotFound, memoryID)
	}
	if err != nil {
		return fmt.Errorf("failed to read retry count for memory %d: %w", memoryID, err)
	}

	retryCount++
	status := "retry"
	if retryCount >= maxRetryCount {
		status = "failed"
	}

	_, err = rc.store.db.Exec(`
		UPDATE memory_index
		SET embedding_status = ?, retry_count = ?, last_retry_at = CURRENT_TIMESTAMP,
		    failure_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, retryCount, reason, memoryID)
	if err != nil {
		return fmt.Errorf("failed to mark memory %d failed: %w", memoryID, err)
	}

	rc.log.Warn("embedding attempt failed", "memory_id", memoryID, "retry_count", retryCount, "status", status, "reason", reason)
	return nil
}

// ResetFailed resets every memory in embedding_status=failed back to
// pending with retry_count=0, used as a manual operator recovery action.
// specFolder optionally scopes the reset to one spec_folder; empty resets
// every failed memory regardless of folder, per spec.md §4.8.
func (rc *RefreshCoordinator) ResetFailed(specFolder string) (int64, error) {
	query := `
		UPDATE memory_index
		SET embedding_status = 'pending', retry_count = 0, last_retry_at = NULL, failure_reason = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE embedding_status = 'failed'`
	var args []any
	if specFolder != "" {
		query += " AND spec_folder = ?"
		args = append(args, specFolder)
	}

	res, err := rc.store.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed memories: %w", err)
	}
	return res.RowsAffected()
}
