package engine

import (
	"testing"
	"time"
)

func insertTestMemory(t *testing.T, s *Store, title string, weight float64, tier string) int64 {
	t.Helper()
	res, err := s.db.Exec(`
		INSERT INTO memory_index (title, importance_weight, importance_tier, embedding_status)
		VALUES (?, ?, ?, 'success')
	`, title, weight, tier)
	if err != nil {
		t.Fatalf("failed to insert test memory: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read last insert id: %v", err)
	}
	return id
}

func TestRecordHistoryFieldRequirements(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	t.Run("ADD requires new_value", func(t *testing.T) {
		if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventAdd}); err == nil {
			t.Error("expected error for ADD with no new_value")
		}
		if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventAdd, NewValue: map[string]any{"title": "x"}}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("DELETE requires prev_value", func(t *testing.T) {
		if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventDelete}); err == nil {
			t.Error("expected error for DELETE with no prev_value")
		}
		if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventDelete, PrevValue: map[string]any{"title": "x"}}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("UPDATE requires both", func(t *testing.T) {
		if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventUpdate, PrevValue: map[string]any{"title": "a"}}); err == nil {
			t.Error("expected error for UPDATE missing new_value")
		}
		if _, err := h.RecordHistory(RecordHistoryRequest{
			MemoryID:  memID,
			Event:     EventUpdate,
			PrevValue: map[string]any{"title": "a"},
			NewValue:  map[string]any{"title": "b"},
		}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestGetHistoryOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	for i := 0; i < 3; i++ {
		if _, err := h.RecordHistory(RecordHistoryRequest{
			MemoryID: memID,
			Event:    EventAdd,
			NewValue: map[string]any{"n": i},
		}); err != nil {
			t.Fatalf("RecordHistory failed: %v", err)
		}
	}

	entries, err := h.GetHistory(memID, GetHistoryOptions{})
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].OccurredAt.Before(entries[i-1].OccurredAt) {
			t.Error("expected ascending occurred_at order")
		}
	}

	limited, err := h.GetHistory(memID, GetHistoryOptions{Limit: 1})
	if err != nil {
		t.Fatalf("GetHistory with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 entry with limit, got %d", len(limited))
	}
}

func TestGetRecentHistoryFilters(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventAdd, Actor: ActorUser, NewValue: map[string]any{"n": 1}})
	h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventUpdate, Actor: ActorDecay, PrevValue: map[string]any{"n": 1}, NewValue: map[string]any{"n": 2}})

	entries, err := h.GetRecentHistory(GetRecentHistoryOptions{Actor: ActorDecay})
	if err != nil {
		t.Fatalf("GetRecentHistory failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != ActorDecay {
		t.Errorf("expected 1 decay-actor entry, got %+v", entries)
	}

	all, err := h.GetRecentHistory(GetRecentHistoryOptions{})
	if err != nil {
		t.Fatalf("GetRecentHistory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].OccurredAt.Before(all[1].OccurredAt) {
		t.Error("expected descending occurred_at order")
	}
}

func TestNormalizeFieldNamesMergesCamelCase(t *testing.T) {
	m := map[string]any{"importanceWeight": 0.8, "filePath": "/a/b.md"}
	out := normalizeFieldNames(m)
	if out["importance_weight"] != 0.8 {
		t.Errorf("expected importance_weight merged, got %+v", out)
	}
	if out["file_path"] != "/a/b.md" {
		t.Errorf("expected file_path merged, got %+v", out)
	}
	if _, ok := out["importanceWeight"]; ok {
		t.Error("expected camelCase key removed after merge")
	}
}

func TestNormalizeFieldNamesLeavesDivergentKeysAlone(t *testing.T) {
	m := map[string]any{"importanceWeight": 0.9, "importance_weight": 0.1}
	out := normalizeFieldNames(m)
	if out["importance_weight"] != 0.1 {
		t.Error("expected snake_case value to remain untouched on divergence")
	}
	if out["importanceWeight"] != 0.9 {
		t.Error("expected camelCase value to remain untouched on divergence")
	}
}

func TestUndoLastChangeAdd(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	if _, err := h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventAdd, NewValue: map[string]any{"title": "x"}}); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}

	res, err := h.UndoLastChange(memID)
	if err != nil {
		t.Fatalf("UndoLastChange failed: %v", err)
	}
	if res.RestoredState["importance_tier"] != "deprecated" {
		t.Errorf("expected soft-delete to deprecated tier, got %+v", res.RestoredState)
	}

	var tier string
	s.db.QueryRow(`SELECT importance_tier FROM memory_index WHERE id = ?`, memID).Scan(&tier)
	if tier != "deprecated" {
		t.Errorf("expected stored tier deprecated, got %s", tier)
	}

	entries, _ := h.GetHistory(memID, GetHistoryOptions{})
	if len(entries) != 2 || entries[1].Event != EventDelete {
		t.Errorf("expected a compensating DELETE event to be recorded, got %+v", entries)
	}
}

func TestUndoLastChangeUpdate(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "original", 0.5, "normal")

	h.RecordHistory(RecordHistoryRequest{
		MemoryID:  memID,
		Event:     EventUpdate,
		PrevValue: map[string]any{"title": "original", "importance_weight": 0.5},
		NewValue:  map[string]any{"title": "changed", "importance_weight": 0.9},
	})

	res, err := h.UndoLastChange(memID)
	if err != nil {
		t.Fatalf("UndoLastChange failed: %v", err)
	}
	if res.RestoredState["title"] != "original" {
		t.Errorf("expected restored title 'original', got %+v", res.RestoredState)
	}

	var title string
	var weight float64
	s.db.QueryRow(`SELECT title, importance_weight FROM memory_index WHERE id = ?`, memID).Scan(&title, &weight)
	if title != "original" || weight != 0.5 {
		t.Errorf("expected restored title/weight, got %s/%f", title, weight)
	}
}

func TestUndoLastChangeDelete(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "deprecated")

	h.RecordHistory(RecordHistoryRequest{
		MemoryID:  memID,
		Event:     EventDelete,
		PrevValue: map[string]any{"importance_tier": "important"},
	})

	res, err := h.UndoLastChange(memID)
	if err != nil {
		t.Fatalf("UndoLastChange failed: %v", err)
	}
	if res.RestoredState["importance_tier"] != "important" {
		t.Errorf("expected reinstated tier 'important', got %+v", res.RestoredState)
	}

	var tier string
	s.db.QueryRow(`SELECT importance_tier FROM memory_index WHERE id = ?`, memID).Scan(&tier)
	if tier != "important" {
		t.Errorf("expected stored tier 'important', got %s", tier)
	}
}

func TestUndoLastChangeNoHistory(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	if _, err := h.UndoLastChange(memID); err == nil {
		t.Error("expected error when memory has no history")
	}
}

func TestPurgeOldHistory(t *testing.T) {
	s := newTestStore(t)
	h := NewHistory(s)
	memID := insertTestMemory(t, s, "x", 0.5, "normal")

	h.RecordHistory(RecordHistoryRequest{MemoryID: memID, Event: EventAdd, NewValue: map[string]any{"n": 1}})

	old := time.Now().AddDate(0, 0, -90)
	if _, err := s.db.Exec(`UPDATE memory_history SET occurred_at = ? WHERE memory_id = ?`, old, memID); err != nil {
		t.Fatalf("failed to backdate history: %v", err)
	}

	n, err := h.PurgeOldHistory(30)
	if err != nil {
		t.Fatalf("PurgeOldHistory failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}

	entries, _ := h.GetHistory(memID, GetHistoryOptions{})
	if len(entries) != 0 {
		t.Errorf("expected 0 remaining entries, got %d", len(entries))
	}
}
