package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memcore/memcore/internal/logging"
)

// SaveOutcome is the result of execute_atomic_save.
type SaveOutcome string

const (
	SaveSuccess    SaveOutcome = "success"
	SaveRolledBack SaveOutcome = "rolled_back"
	SavePending    SaveOutcome = "pending"
	SaveFailed     SaveOutcome = "failed"
)

// SaveRequest bundles the file write and the index callback, per spec.md
// §4.3.
type SaveRequest struct {
	FilePath string
	Content  []byte
	IndexFn  func(filePath string) error
}

// SaveOptions controls failure handling for execute_atomic_save.
type SaveOptions struct {
	RollbackOnFailure     bool
	CreatePendingOnFailure bool // default true, see NewSaveOptions
}

// NewSaveOptions returns the spec.md default: create a pending marker on
// index failure rather than roll back.
func NewSaveOptions() SaveOptions {
	return SaveOptions{CreatePendingOnFailure: true}
}

// SaveResult is returned by ExecuteAtomicSave.
type SaveResult struct {
	Outcome     SaveOutcome
	PendingPath string
}

// AtomicityMetrics tracks outcome counts across every execute_atomic_save
// call, per spec.md §4.3 point 4.
type AtomicityMetrics struct {
	SuccessCount     atomic.Int64
	RolledBackCount  atomic.Int64
	PendingCount     atomic.Int64
	FailedCount      atomic.Int64
	lastFailureMu    sync.RWMutex
	lastFailureReason string
	lastFailureAt     time.Time
}

// LastFailure returns the most recently recorded failure reason and time.
func (m *AtomicityMetrics) LastFailure() (string, time.Time) {
	m.lastFailureMu.RLock()
	defer m.lastFailureMu.RUnlock()
	return m.lastFailureReason, m.lastFailureAt
}

func (m *AtomicityMetrics) recordFailure(reason string) {
	m.lastFailureMu.Lock()
	defer m.lastFailureMu.Unlock()
	m.lastFailureReason = reason
	m.lastFailureAt = time.Now()
}

// TxnManager implements the Transaction Manager (C3): wraps {atomic file
// write} + {index insert} as one logical operation, grounded on the
// teacher's transactional InitSchema/MigrationV1ToV2 pattern for the
// "commit or don't" shape, extended here to a file-plus-row unit of work
// that spans a filesystem write the database cannot itself roll back.
type TxnManager struct {
	store   *Store
	log     *logging.Logger
	Metrics AtomicityMetrics
}

// NewTxnManager constructs a TxnManager bound to store.
func NewTxnManager(store *Store) *TxnManager {
	return &TxnManager{store: store, log: logging.GetLogger("txn")}
}

// ExecuteAtomicSave runs the write-then-index protocol of spec.md §4.3.
func (tm *TxnManager) ExecuteAtomicSave(req SaveRequest, opts SaveOptions) (SaveResult, error) {
	if err := writeFileAtomic(req.FilePath, req.Content); err != nil {
		tm.Metrics.FailedCount.Add(1)
		tm.Metrics.recordFailure(err.Error())
		tm.log.Error("atomic write failed", "path", req.FilePath, "error", err)
		return SaveResult{Outcome: SaveFailed}, nil
	}

	if err := req.IndexFn(req.FilePath); err == nil {
		tm.Metrics.SuccessCount.Add(1)
		return SaveResult{Outcome: SaveSuccess}, nil
	} else {
		return tm.recover(req.FilePath, opts, err)
	}
}

// recover implements spec.md §4.3's recovery phase after a successful
// file write but a failed index_fn invocation.
func (tm *TxnManager) recover(filePath string, opts SaveOptions, indexErr error) (SaveResult, error) {
	tm.log.Warn("index phase failed after file write", "path", filePath, "error", indexErr)

	if opts.CreatePendingOnFailure {
		pendingPath := pendingPathFor(filePath)
		if err := os.Rename(filePath, pendingPath); err != nil {
			tm.Metrics.FailedCount.Add(1)
			tm.Metrics.recordFailure(err.Error())
			return SaveResult{Outcome: SaveFailed}, fmt.Errorf("%w: failed to create pending marker: %v", ErrIndexFailure, err)
		}
		tm.Metrics.PendingCount.Add(1)
		tm.Metrics.recordFailure(indexErr.Error())
		return SaveResult{Outcome: SavePending, PendingPath: pendingPath}, nil
	}

	if opts.RollbackOnFailure {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			tm.Metrics.FailedCount.Add(1)
			tm.Metrics.recordFailure(err.Error())
			return SaveResult{Outcome: SaveFailed}, fmt.Errorf("failed to roll back %s: %w", filePath, err)
		}
		tm.Metrics.RolledBackCount.Add(1)
		tm.Metrics.recordFailure(indexErr.Error())
		return SaveResult{Outcome: SaveRolledBack}, nil
	}

	tm.Metrics.FailedCount.Add(1)
	tm.Metrics.recordFailure(indexErr.Error())
	return SaveResult{Outcome: SaveFailed}, fmt.Errorf("%w: %v", ErrIndexFailure, indexErr)
}

// writeFileAtomic implements spec.md §4.3's write phase: write to
// file_path+".tmp", verify the byte count, then rename atomically over
// file_path. No step in this sequence is grounded on a teacher/pack
// example (see DESIGN.md); it follows Go's standard tmp-write-then-rename
// idiom since os.Rename within the same filesystem is atomic.
func writeFileAtomic(filePath string, content []byte) error {
	dir := filepath.Dir(filePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
	}

	tmpPath := filePath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create tmp file: %w", err)
	}

	n, err := f.Write(content)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tmp file: %w", err)
	}
	if n != len(content) {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(content))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close tmp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename tmp file into place: %w", err)
	}

	return nil
}

// pendingPathFor returns <base>_pending.<ext> for path, per spec.md §6.
func pendingPathFor(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + "_pending" + ext
}

// RecoverAllPending walks basePath skipping hidden and node_modules-like
// directories, collects every path whose basename contains "_pending",
// and attempts to recover it: rename back to the original path, then run
// indexFn. On failure, rename back to pending for the next attempt.
// Bounded by maxFiles to avoid startup stalls (spec.md §4.3).
func (tm *TxnManager) RecoverAllPending(basePath string, indexFn func(filePath string) error, maxFiles int) (int, error) {
	var pendingFiles []string

	err := filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != basePath && !pathSegmentAllowed(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Contains(filepath.Base(path), "_pending") {
			pendingFiles = append(pendingFiles, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", basePath, err)
	}

	recovered := 0
	for _, pendingPath := range pendingFiles {
		if maxFiles > 0 && recovered >= maxFiles {
			break
		}

		originalPath := originalPathFor(pendingPath)
		if err := os.Rename(pendingPath, originalPath); err != nil {
			tm.log.Error("failed to restore pending file", "pending", pendingPath, "error", err)
			continue
		}

		if err := indexFn(originalPath); err != nil {
			tm.log.Warn("recovery index failed, re-marking pending", "path", originalPath, "error", err)
			if renameErr := os.Rename(originalPath, pendingPath); renameErr != nil {
				tm.log.Error("failed to re-mark pending file", "path", originalPath, "error", renameErr)
			}
			continue
		}

		recovered++
	}

	return recovered, nil
}

// pathSegmentAllowed mirrors filepath.WalkDir's directory-pruning decision:
// skip hidden directories and node_modules-like trees (spec.md §4.3).
func pathSegmentAllowed(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch name {
	case "node_modules", "vendor", ".git":
		return false
	}
	return true
}

// originalPathFor reverses pendingPathFor: strips the literal "_pending"
// marker from the basename.
func originalPathFor(pendingPath string) string {
	ext := filepath.Ext(pendingPath)
	base := strings.TrimSuffix(pendingPath, ext)
	base = strings.TrimSuffix(base, "_pending")
	return base + ext
}
