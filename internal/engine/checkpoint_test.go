package engine

import (
	"strings"
	"testing"
	"time"
)

func TestCreateValidatesName(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := ck.Create("bad name with spaces", CreateOptions{}); err == nil {
		t.Error("expected error for a name containing spaces")
	}
	if _, err := ck.Create("valid-name_1", CreateOptions{}); err != nil {
		t.Errorf("unexpected error for a valid name: %v", err)
	}
}

func TestCreateDetectsNameCollision(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := ck.Create("dup", CreateOptions{}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := ck.Create("dup", CreateOptions{}); err == nil {
		t.Error("expected name collision error on second create with same name")
	}
}

func TestCreateEnforcesMaxCheckpointsCap(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 2, 0)

	for i := 0; i < 3; i++ {
		if _, err := ck.Create(nameFor(i), CreateOptions{}); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	list, err := ck.List("", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected cap to keep only 2 checkpoints, got %d", len(list))
	}
}

func nameFor(i int) string {
	return "chk" + string(rune('a'+i))
}

func TestCreateEnforcesTTL(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 100, 1)

	if _, err := ck.Create("old", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	old := time.Now().AddDate(0, 0, -10)
	if _, err := s.db.Exec(`UPDATE checkpoints SET created_at = ?, last_used_at = ? WHERE name = 'old'`, old, old); err != nil {
		t.Fatalf("failed to backdate checkpoint: %v", err)
	}

	if _, err := ck.Create("new", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, _ := ck.List("", 0)
	for _, d := range list {
		if d.Name == "old" {
			t.Error("expected TTL-expired checkpoint to be pruned")
		}
	}
}

func TestListAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)
	insertTestMemory(t, s, "x", 0.5, "normal")

	if _, err := ck.Create("snap1", CreateOptions{Metadata: map[string]any{"note": "hi"}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, err := ck.List("", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "snap1" {
		t.Errorf("expected 1 descriptor named snap1, got %+v", list)
	}

	snap, err := ck.Get("snap1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(snap.Memories) != 1 {
		t.Errorf("expected 1 memory in snapshot, got %d", len(snap.Memories))
	}

	var lastUsed time.Time
	s.db.QueryRow(`SELECT last_used_at FROM checkpoints WHERE name = 'snap1'`).Scan(&lastUsed)
	if lastUsed.IsZero() {
		t.Error("expected last_used_at to be set after Get")
	}
}

func TestGetUnknownCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := ck.Get("missing"); err == nil {
		t.Error("expected error for unknown checkpoint")
	}
}

func TestGetToleratesLegacyBareArrayShape(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	legacy := `[{"old_id":1,"title":"legacy","importance_weight":0.5,"importance_tier":"normal"}]`
	blob, err := gzipCompress([]byte(legacy))
	if err != nil {
		t.Fatalf("failed to compress legacy payload: %v", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO checkpoints (name, blob) VALUES ('legacy', ?)
	`, blob); err != nil {
		t.Fatalf("failed to insert legacy checkpoint: %v", err)
	}

	snap, err := ck.Get("legacy")
	if err != nil {
		t.Fatalf("Get failed on legacy shape: %v", err)
	}
	if len(snap.Memories) != 1 || snap.Memories[0].Title != "legacy" {
		t.Errorf("expected legacy memory parsed, got %+v", snap.Memories)
	}
}

func TestGetReturnsCorruptBlobError(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := s.db.Exec(`INSERT INTO checkpoints (name, blob) VALUES ('broken', ?)`, []byte("not gzip")); err != nil {
		t.Fatalf("failed to insert broken checkpoint: %v", err)
	}

	_, err := ck.Get("broken")
	if err == nil || !strings.Contains(err.Error(), "checkpoint") {
		t.Errorf("expected a corrupt-blob error, got %v", err)
	}
}

func TestRestoreHardClearThenUpsert(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	insertTestMemory(t, s, "keep-me", 0.5, "normal")
	if _, err := ck.Create("before", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	insertTestMemory(t, s, "new-after-checkpoint", 0.5, "normal")

	report, err := ck.Restore("before", RestoreOptions{ClearExisting: true})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.Cleared == 0 {
		t.Error("expected cleared rows on hard-clear restore")
	}
	if report.Inserted != 1 {
		t.Errorf("expected 1 memory reinserted from snapshot, got %d", report.Inserted)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM memory_index`).Scan(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 memory after hard-clear restore, got %d", count)
	}
}

func TestRestoreSoftClearWithScopeDeprecatesRows(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := s.db.Exec(`INSERT INTO memory_index (title, spec_folder, importance_weight, importance_tier) VALUES ('a', 'proj', 0.5, 'normal')`); err != nil {
		t.Fatalf("failed to insert memory: %v", err)
	}
	if _, err := ck.Create("scoped", CreateOptions{SpecFolder: "proj"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	report, err := ck.Restore("scoped", RestoreOptions{ClearExisting: false, ClearScope: "proj"})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.Deprecated == 0 {
		t.Error("expected soft-clear to deprecate existing scoped rows")
	}

	var tier string
	s.db.QueryRow(`SELECT importance_tier FROM memory_index WHERE spec_folder = 'proj' ORDER BY id ASC LIMIT 1`).Scan(&tier)
	if tier != "deprecated" {
		t.Errorf("expected original row deprecated, got %s", tier)
	}
}

func TestRestoreUnscopedMergeDoesNoClear(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	insertTestMemory(t, s, "snapshot-memory", 0.5, "normal")
	if _, err := ck.Create("merge", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	insertTestMemory(t, s, "untouched", 0.5, "normal")

	report, err := ck.Restore("merge", RestoreOptions{ClearExisting: false})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.Cleared != 0 || report.Deprecated != 0 {
		t.Errorf("expected no clear step for unscoped merge restore, got %+v", report)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM memory_index`).Scan(&count)
	if count < 2 {
		t.Errorf("expected merge to leave pre-existing rows in place, got %d rows", count)
	}
}

func TestRestoreDeduplicatesOnFilePathAndSpecFolder(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	if _, err := s.db.Exec(`
		INSERT INTO memory_index (file_path, spec_folder, title, importance_weight, importance_tier)
		VALUES ('/a.md', 'proj', 'original title', 0.5, 'normal')
	`); err != nil {
		t.Fatalf("failed to insert memory: %v", err)
	}
	if _, err := ck.Create("dedup", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE memory_index SET title = 'changed title' WHERE file_path = '/a.md'`); err != nil {
		t.Fatalf("failed to mutate title: %v", err)
	}

	report, err := ck.Restore("dedup", RestoreOptions{ClearExisting: false})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.Updated != 1 || report.Inserted != 0 {
		t.Errorf("expected dedup to update the existing row rather than insert, got %+v", report)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM memory_index WHERE file_path = '/a.md'`).Scan(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 row for the deduplicated file_path, got %d", count)
	}

	var title string
	s.db.QueryRow(`SELECT title FROM memory_index WHERE file_path = '/a.md'`).Scan(&title)
	if title != "original title" {
		t.Errorf("expected restored title from snapshot, got %q", title)
	}
}

func TestRestoreWorkingMemoryRestoresMappedRows(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	memID := insertTestMemory(t, s, "x", 0.5, "normal")
	if _, err := s.db.Exec(`
		INSERT INTO working_memory (session_id, memory_id, attention_score, last_mentioned_turn, tier)
		VALUES ('sess1', ?, 0.7, 3, 'normal')
	`, memID); err != nil {
		t.Fatalf("failed to insert working memory row: %v", err)
	}

	if _, err := ck.Create("wm", CreateOptions{IncludeWorkingMemory: true}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	report, err := ck.Restore("wm", RestoreOptions{IncludeWorkingMemory: true})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.WorkingMemoryRestored != 1 {
		t.Errorf("expected 1 working memory row restored, got %d", report.WorkingMemoryRestored)
	}
}

// TestRestoreEmbeddedSnapshotNeverClaimsSuccessWithoutAVector exercises
// spec.md §8 property 1 directly: a memory_index row may only carry
// embedding_status='success' if a matching vec_memories row exists. The
// checkpoint blob is built by hand (as TestGetToleratesLegacyBareArrayShape
// does) so the embeddings map is populated regardless of whether this
// runtime's sqlite-vec extension loaded at Create time.
func TestRestoreEmbeddedSnapshotNeverClaimsSuccessWithoutAVector(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)

	snapshotJSON := `{"version":1,"memories":[{"old_id":7,"title":"embedded","importance_weight":0.5,"importance_tier":"normal"}],"embeddings":{"7":[0.1,0.2,0.3]}}`
	blob, err := gzipCompress([]byte(snapshotJSON))
	if err != nil {
		t.Fatalf("failed to compress snapshot: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO checkpoints (name, blob) VALUES ('embedded', ?)`, blob); err != nil {
		t.Fatalf("failed to insert checkpoint: %v", err)
	}

	if _, err := ck.Restore("embedded", RestoreOptions{}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	var id int64
	var status string
	if err := s.db.QueryRow(`SELECT id, embedding_status FROM memory_index WHERE title = 'embedded'`).Scan(&id, &status); err != nil {
		t.Fatalf("failed to read restored memory: %v", err)
	}
	if status != "success" {
		return
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vec_memories WHERE rowid = ?`, id).Scan(&count); err != nil {
		t.Fatalf("embedding_status=success but vec_memories is unqueryable: %v", err)
	}
	if count != 1 {
		t.Errorf("embedding_status=success but no corresponding vec_memories row, got count=%d", count)
	}
}

// TestRestoreDimensionMismatchMarksPending covers spec.md's Scenario C:
// a checkpoint's embeddings were captured at one provider dimension but
// the current process reports another; every affected memory must end
// up pending rather than falsely success.
func TestRestoreDimensionMismatchMarksPending(t *testing.T) {
	s := newTestStore(t)
	if !s.VecAvailable() {
		t.Skip("sqlite-vec extension not available in this environment")
	}
	if err := s.SetEmbeddingDimension(4); err != nil {
		t.Fatalf("failed to set embedding dimension: %v", err)
	}
	ck := NewCheckpointEngine(s, 0, 0)

	snapshotJSON := `{"version":1,"memories":[` +
		`{"old_id":1,"title":"m1","importance_weight":0.5,"importance_tier":"normal"},` +
		`{"old_id":2,"title":"m2","importance_weight":0.5,"importance_tier":"normal"},` +
		`{"old_id":3,"title":"m3","importance_weight":0.5,"importance_tier":"normal"}` +
		`],"embeddings":{` +
		`"1":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8],` +
		`"2":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8],` +
		`"3":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8]` +
		`}}`
	blob, err := gzipCompress([]byte(snapshotJSON))
	if err != nil {
		t.Fatalf("failed to compress snapshot: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO checkpoints (name, blob) VALUES ('mismatch', ?)`, blob); err != nil {
		t.Fatalf("failed to insert checkpoint: %v", err)
	}

	report, err := ck.Restore("mismatch", RestoreOptions{})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if report.Inserted != 3 {
		t.Errorf("expected 3 memories inserted, got %d", report.Inserted)
	}
	if report.EmbeddingsRestored != 0 || report.EmbeddingsSkipped != 3 {
		t.Errorf("expected embeddingsRestored=0 embeddingsSkipped=3, got restored=%d skipped=%d", report.EmbeddingsRestored, report.EmbeddingsSkipped)
	}

	rows, err := s.db.Query(`SELECT embedding_status FROM memory_index`)
	if err != nil {
		t.Fatalf("failed to query statuses: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			t.Fatalf("failed to scan status: %v", err)
		}
		if status != "pending" {
			t.Errorf("expected all memories pending after dimension mismatch, got %s", status)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ck := NewCheckpointEngine(s, 0, 0)
	ck.Create("to-delete", CreateOptions{})

	removed, err := ck.Delete("to-delete")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !removed {
		t.Error("expected first delete to report removal")
	}

	removedAgain, err := ck.Delete("to-delete")
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if removedAgain {
		t.Error("expected second delete of the same name to report no removal")
	}
}

func TestGzipCompressDecompressRoundTrip(t *testing.T) {
	original := []byte(`{"hello":"world"}`)
	compressed, err := gzipCompress(original)
	if err != nil {
		t.Fatalf("gzipCompress failed: %v", err)
	}
	decompressed, err := gzipDecompress(compressed)
	if err != nil {
		t.Fatalf("gzipDecompress failed: %v", err)
	}
	if string(decompressed) != string(original) {
		t.Errorf("expected round-trip to preserve payload, got %q", decompressed)
	}
}
