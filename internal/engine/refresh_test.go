package engine

import (
	"testing"
	"time"
)

func insertMemoryWithStatus(t *testing.T, s *Store, path, status string, retryCount int, lastRetryAt *time.Time) int64 {
	t.Helper()
	res, err := s.db.Exec(`
		INSERT INTO memory_index (file_path, title, embedding_status, retry_count, last_retry_at)
		VALUES (?, 'x', ?, ?, ?)
	`, path, status, retryCount, lastRetryAt)
	if err != nil {
		t.Fatalf("failed to insert test memory: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestGetStatsBucketsAndNeedsRefresh(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)

	insertMemoryWithStatus(t, s, "/a.md", "pending", 0, nil)
	insertMemoryWithStatus(t, s, "/b.md", "success", 0, nil)
	insertMemoryWithStatus(t, s, "/c.md", "failed", 3, nil)

	stats, err := rc.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Success != 1 || stats.Failed != 1 {
		t.Errorf("expected 1/1/1 buckets, got %+v", stats)
	}
	if !stats.NeedsRefresh {
		t.Error("expected NeedsRefresh true with a pending row present")
	}
}

func TestGetStatsNeedsRefreshFalseWhenAllSuccess(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)
	insertMemoryWithStatus(t, s, "/a.md", "success", 0, nil)

	stats, err := rc.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.NeedsRefresh {
		t.Error("expected NeedsRefresh false when no pending/retry rows")
	}
}

func TestGetUnindexedDocumentsRetryCeilingAndBackoff(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)

	insertMemoryWithStatus(t, s, "/pending.md", "pending", 0, nil)

	atCeiling := insertMemoryWithStatus(t, s, "/ceiling.md", "retry", 3, nil)
	_ = atCeiling

	recentRetry := time.Now().Add(-5 * time.Minute)
	insertMemoryWithStatus(t, s, "/recent-retry.md", "retry", 1, &recentRetry)

	oldRetry := time.Now().Add(-2 * time.Hour)
	insertMemoryWithStatus(t, s, "/old-retry.md", "retry", 1, &oldRetry)

	docs, err := rc.GetUnindexedDocuments(100)
	if err != nil {
		t.Fatalf("GetUnindexedDocuments failed: %v", err)
	}

	paths := make(map[string]bool)
	for _, d := range docs {
		paths[d.FilePath] = true
	}
	if !paths["/pending.md"] {
		t.Error("expected pending document included")
	}
	if paths["/ceiling.md"] {
		t.Error("expected document at retry ceiling excluded")
	}
	if paths["/recent-retry.md"] {
		t.Error("expected recently-retried document excluded by backoff window")
	}
	if !paths["/old-retry.md"] {
		t.Error("expected old-retry document included past the backoff window")
	}
}

func TestGetUnindexedDocumentsDedupesConcurrentCallers(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)
	insertMemoryWithStatus(t, s, "/a.md", "pending", 0, nil)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := rc.GetUnindexedDocuments(10)
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent GetUnindexedDocuments failed: %v", err)
		}
	}
}

func TestMarkIndexed(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)
	id := insertMemoryWithStatus(t, s, "/a.md", "pending", 0, nil)

	if err := rc.MarkIndexed(id, "test-model"); err != nil {
		t.Fatalf("MarkIndexed failed: %v", err)
	}

	var status, model string
	s.db.QueryRow(`SELECT embedding_status, embedding_model FROM memory_index WHERE id = ?`, id).Scan(&status, &model)
	if status != "success" || model != "test-model" {
		t.Errorf("expected success/test-model, got %s/%s", status, model)
	}
}

func TestMarkFailedTransitionsRetryThenFailed(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)
	id := insertMemoryWithStatus(t, s, "/a.md", "pending", 0, nil)

	for i := 1; i < maxRetryCount; i++ {
		if err := rc.MarkFailed(id, "boom"); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		var status string
		s.db.QueryRow(`SELECT embedding_status FROM memory_index WHERE id = ?`, id).Scan(&status)
		if status != "retry" {
			t.Errorf("expected status retry after %d failures, got %s", i, status)
		}
	}

	if err := rc.MarkFailed(id, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	var status string
	var retryCount int
	s.db.QueryRow(`SELECT embedding_status, retry_count FROM memory_index WHERE id = ?`, id).Scan(&status, &retryCount)
	if status != "failed" || retryCount != maxRetryCount {
		t.Errorf("expected failed status at retry count %d, got %s/%d", maxRetryCount, status, retryCount)
	}
}

func TestResetFailed(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)
	id := insertMemoryWithStatus(t, s, "/a.md", "failed", 3, nil)

	n, err := rc.ResetFailed("")
	if err != nil {
		t.Fatalf("ResetFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row reset, got %d", n)
	}

	var status string
	var retryCount int
	s.db.QueryRow(`SELECT embedding_status, retry_count FROM memory_index WHERE id = ?`, id).Scan(&status, &retryCount)
	if status != "pending" || retryCount != 0 {
		t.Errorf("expected pending/0, got %s/%d", status, retryCount)
	}
}

func TestResetFailedScopedToSpecFolder(t *testing.T) {
	s := newTestStore(t)
	rc := NewRefreshCoordinator(s)

	if _, err := s.db.Exec(`
		INSERT INTO memory_index (file_path, spec_folder, title, embedding_status, retry_count)
		VALUES ('/a.md', 'proj-a', 'a', 'failed', 3)
	`); err != nil {
		t.Fatalf("failed to insert scoped memory: %v", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO memory_index (file_path, spec_folder, title, embedding_status, retry_count)
		VALUES ('/b.md', 'proj-b', 'b', 'failed', 3)
	`); err != nil {
		t.Fatalf("failed to insert out-of-scope memory: %v", err)
	}

	n, err := rc.ResetFailed("proj-a")
	if err != nil {
		t.Fatalf("ResetFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row reset within proj-a, got %d", n)
	}

	var status string
	s.db.QueryRow(`SELECT embedding_status FROM memory_index WHERE spec_folder = 'proj-b'`).Scan(&status)
	if status != "failed" {
		t.Errorf("expected out-of-scope memory to remain failed, got %s", status)
	}
}
