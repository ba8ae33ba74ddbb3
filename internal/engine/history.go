package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/memcore/memcore/internal/logging"
)

// HistoryEvent is the event kind recorded in memory_history.
type HistoryEvent string

const (
	EventAdd    HistoryEvent = "ADD"
	EventUpdate HistoryEvent = "UPDATE"
	EventDelete HistoryEvent = "DELETE"
)

// HistoryActor attributes a history event to its origin.
type HistoryActor string

const (
	ActorUser   HistoryActor = "user"
	ActorSystem HistoryActor = "system"
	ActorHook   HistoryActor = "hook"
	ActorDecay  HistoryActor = "decay"
)

// RecordHistoryRequest is the input to RecordHistory.
type RecordHistoryRequest struct {
	MemoryID  int64
	Event     HistoryEvent
	Actor     HistoryActor
	PrevValue map[string]any
	NewValue  map[string]any
}

// HistoryEntry is a row of memory_history.
type HistoryEntry struct {
	ID         string
	MemoryID   int64
	Event      HistoryEvent
	Actor      HistoryActor
	OccurredAt time.Time
	PrevValue  map[string]any
	NewValue   map[string]any
}

// History implements the History & Undo component (C4), grounded on the
// teacher's operations.go CRUD style and google/uuid id generation.
type History struct {
	store *Store
	log   *logging.Logger
}

// NewHistory constructs a History bound to store.
func NewHistory(store *Store) *History {
	return &History{store: store, log: logging.GetLogger("history")}
}

// RecordHistory enforces the event-specific field requirements of
// spec.md §3 (ADD requires new, DELETE requires prev, UPDATE requires
// both) and serializes values to JSON.
func (h *History) RecordHistory(req RecordHistoryRequest) (string, error) {
	switch req.Event {
	case EventAdd:
		if req.NewValue == nil {
			return "", fmt.Errorf("%w: ADD event requires new_value", ErrValidation)
		}
	case EventDelete:
		if req.PrevValue == nil {
			return "", fmt.Errorf("%w: DELETE event requires prev_value", ErrValidation)
		}
	case EventUpdate:
		if req.PrevValue == nil || req.NewValue == nil {
			return "", fmt.Errorf("%w: UPDATE event requires prev_value and new_value", ErrValidation)
		}
	default:
		return "", fmt.Errorf("%w: unknown event %q", ErrValidation, req.Event)
	}

	if req.Actor == "" {
		req.Actor = ActorSystem
	}

	id := uuid.New().String()
	prevJSON, newJSON, err := marshalHistoryValues(req.PrevValue, req.NewValue)
	if err != nil {
		return "", err
	}

	_, err = h.store.db.Exec(`
		INSERT INTO memory_history (id, memory_id, event, actor, occurred_at, prev_value, new_value)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?)
	`, id, req.MemoryID, req.Event, req.Actor, prevJSON, newJSON)
	if err != nil {
		return "", fmt.Errorf("failed to record history: %w", err)
	}

	return id, nil
}

func marshalHistoryValues(prev, next map[string]any) (sql.NullString, sql.NullString, error) {
	var prevJSON, newJSON sql.NullString
	if prev != nil {
		b, err := json.Marshal(prev)
		if err != nil {
			return prevJSON, newJSON, fmt.Errorf("failed to marshal prev_value: %w", err)
		}
		prevJSON = sql.NullString{String: string(b), Valid: true}
	}
	if next != nil {
		b, err := json.Marshal(next)
		if err != nil {
			return prevJSON, newJSON, fmt.Errorf("failed to marshal new_value: %w", err)
		}
		newJSON = sql.NullString{String: string(b), Valid: true}
	}
	return prevJSON, newJSON, nil
}

// GetHistoryOptions filters GetHistory.
type GetHistoryOptions struct {
	Limit int
	Since time.Time
}

// GetHistory returns events for a single memory in ascending time order.
func (h *History) GetHistory(memoryID int64, opts GetHistoryOptions) ([]HistoryEntry, error) {
	query := `SELECT id, memory_id, event, actor, occurred_at, prev_value, new_value
		FROM memory_history WHERE memory_id = ?`
	args := []any{memoryID}

	if !opts.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, opts.Since)
	}
	query += " ORDER BY occurred_at ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := h.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	return h.scanEntries(rows)
}

// GetRecentHistoryOptions filters GetRecentHistory.
type GetRecentHistoryOptions struct {
	Limit int
	Event HistoryEvent
	Actor HistoryActor
}

// GetRecentHistory returns events across all memories in descending time
// order.
func (h *History) GetRecentHistory(opts GetRecentHistoryOptions) ([]HistoryEntry, error) {
	query := `SELECT id, memory_id, event, actor, occurred_at, prev_value, new_value FROM memory_history`
	var where []string
	var args []any

	if opts.Event != "" {
		where = append(where, "event = ?")
		args = append(args, opts.Event)
	}
	if opts.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, opts.Actor)
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY occurred_at DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := h.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent history: %w", err)
	}
	defer rows.Close()

	return h.scanEntries(rows)
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// scanEntries scans history rows, recovering malformed JSON to NULL
// rather than failing the read path (spec.md §4.4, §7).
func (h *History) scanEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var prevJSON, newJSON sql.NullString

		if err := rows.Scan(&e.ID, &e.MemoryID, &e.Event, &e.Actor, &e.OccurredAt, &prevJSON, &newJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		if prevJSON.Valid {
			e.PrevValue = h.parseJSONOrNil(e.ID, "prev_value", prevJSON.String)
		}
		if newJSON.Valid {
			e.NewValue = h.parseJSONOrNil(e.ID, "new_value", newJSON.String)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (h *History) parseJSONOrNil(historyID, field, raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		h.log.Warn("malformed history JSON, returning NULL", "history_id", historyID, "field", field, "error", err)
		return nil
	}
	return normalizeFieldNames(m)
}

// normalizeFieldNames accepts both snake_case and camelCase keys for
// known dual-shape fields (spec.md §9 "Dynamic field shapes") and
// normalizes to the canonical snake_case form: a camelCase key is renamed
// to snake_case when the snake_case key is absent. If both keys are
// present, both are left in place, so divergent values stay visible to
// the caller rather than being merged.
func normalizeFieldNames(m map[string]any) map[string]any {
	pairs := [][2]string{
		{"importanceWeight", "importance_weight"},
		{"importanceTier", "importance_tier"},
		{"filePath", "file_path"},
		{"specFolder", "spec_folder"},
	}
	for _, p := range pairs {
		camel, snake := p[0], p[1]
		cv, hasCamel := m[camel]
		sv, hasSnake := m[snake]
		if hasCamel && hasSnake && fmt.Sprint(cv) != fmt.Sprint(sv) {
			// Divergent duplicate keys: keep both rather than guess.
			continue
		}
		if hasCamel && !hasSnake {
			m[snake] = cv
			delete(m, camel)
		}
	}
	return m
}

// UndoResult is returned by UndoLastChange.
type UndoResult struct {
	CompensatingEventID string
	RestoredState        map[string]any
}

// UndoLastChange executes the single-step undo of spec.md §4.3 inside one
// database transaction: fetch the most recent event for memoryID and
// replay its inverse.
func (h *History) UndoLastChange(memoryID int64) (*UndoResult, error) {
	tx, err := h.store.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin undo transaction: %w", err)
	}
	defer tx.Rollback()

	var e HistoryEntry
	var prevJSON, newJSON sql.NullString
	err = tx.QueryRow(`
		SELECT id, memory_id, event, actor, occurred_at, prev_value, new_value
		FROM memory_history WHERE memory_id = ? ORDER BY occurred_at DESC LIMIT 1
	`, memoryID).Scan(&e.ID, &e.MemoryID, &e.Event, &e.Actor, &e.OccurredAt, &prevJSON, &newJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no history for memory %d", ErrNotFound, memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch most recent event: %w", err)
	}
	if prevJSON.Valid {
		json.Unmarshal([]byte(prevJSON.String), &e.PrevValue)
		e.PrevValue = normalizeFieldNames(e.PrevValue)
	}
	if newJSON.Valid {
		json.Unmarshal([]byte(newJSON.String), &e.NewValue)
		e.NewValue = normalizeFieldNames(e.NewValue)
	}

	var compensatingID string
	var restored map[string]any

	switch e.Event {
	case EventAdd:
		compensatingID, restored, err = h.undoAdd(tx, memoryID, e)
	case EventUpdate:
		compensatingID, restored, err = h.undoUpdate(tx, memoryID, e)
	case EventDelete:
		compensatingID, restored, err = h.undoDelete(tx, memoryID, e)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrValidation, e.Event)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit undo: %w", err)
	}

	return &UndoResult{CompensatingEventID: compensatingID, RestoredState: restored}, nil
}

// undoAdd soft-deletes the memory and records a compensating DELETE.
func (h *History) undoAdd(tx *sql.Tx, memoryID int64, e HistoryEntry) (string, map[string]any, error) {
	if _, err := tx.Exec(`UPDATE memory_index SET importance_tier = 'deprecated', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, memoryID); err != nil {
		return "", nil, fmt.Errorf("failed to soft-delete memory: %w", err)
	}

	id := uuid.New().String()
	prevJSON, _, err := marshalHistoryValues(e.NewValue, nil)
	if err != nil {
		return "", nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO memory_history (id, memory_id, event, actor, occurred_at, prev_value, new_value)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, NULL)
	`, id, memoryID, EventDelete, ActorSystem, prevJSON); err != nil {
		return "", nil, fmt.Errorf("failed to record compensating delete: %w", err)
	}

	return id, map[string]any{"importance_tier": "deprecated"}, nil
}

// undoUpdate restores title/importance_weight from prev_value, honoring
// both snake_case and camelCase historical field names.
func (h *History) undoUpdate(tx *sql.Tx, memoryID int64, e HistoryEntry) (string, map[string]any, error) {
	prev := e.PrevValue
	if prev == nil {
		return "", nil, fmt.Errorf("%w: UPDATE history row has no prev_value", ErrCorruptBlob)
	}

	title, _ := prev["title"].(string)
	weight, hasWeight := prev["importance_weight"]

	args := []any{title}
	setClause := "title = ?"
	var weightF float64
	if hasWeight {
		switch v := weight.(type) {
		case float64:
			weightF = v
		}
		setClause += ", importance_weight = ?"
		args = append(args, weightF)
	}
	args = append(args, memoryID)

	if _, err := tx.Exec(fmt.Sprintf(`UPDATE memory_index SET %s, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, setClause), args...); err != nil {
		return "", nil, fmt.Errorf("failed to restore memory fields: %w", err)
	}

	id := uuid.New().String()
	prevJSON, newJSON, err := marshalHistoryValues(e.NewValue, prev)
	if err != nil {
		return "", nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO memory_history (id, memory_id, event, actor, occurred_at, prev_value, new_value)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?)
	`, id, memoryID, EventUpdate, ActorSystem, prevJSON, newJSON); err != nil {
		return "", nil, fmt.Errorf("failed to record compensating update: %w", err)
	}

	return id, prev, nil
}

// undoDelete reinstates the memory's metadata from prev_value, defaulting
// tier to "normal" if missing.
func (h *History) undoDelete(tx *sql.Tx, memoryID int64, e HistoryEntry) (string, map[string]any, error) {
	prev := e.PrevValue
	if prev == nil {
		return "", nil, fmt.Errorf("%w: DELETE history row has no prev_value", ErrCorruptBlob)
	}

	tier, _ := prev["importance_tier"].(string)
	if tier == "" {
		tier = "normal"
	}

	if _, err := tx.Exec(`UPDATE memory_index SET importance_tier = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, tier, memoryID); err != nil {
		return "", nil, fmt.Errorf("failed to reinstate memory: %w", err)
	}

	restored := map[string]any{"importance_tier": tier}

	id := uuid.New().String()
	prevJSON, newJSON, err := marshalHistoryValues(e.PrevValue, restored)
	if err != nil {
		return "", nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO memory_history (id, memory_id, event, actor, occurred_at, prev_value, new_value)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?)
	`, id, memoryID, EventUpdate, ActorSystem, prevJSON, newJSON); err != nil {
		return "", nil, fmt.Errorf("failed to record compensating update: %w", err)
	}

	return id, restored, nil
}

// PurgeOldHistory deletes history rows older than now-days, per spec.md
// §4.4's maintenance operation.
func (h *History) PurgeOldHistory(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := h.store.db.Exec(`DELETE FROM memory_history WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old history: %w", err)
	}
	return res.RowsAffected()
}
