package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/memcore/memcore/internal/logging"
)

// CausalRelation is the relationship kind of a causal_edges row.
type CausalRelation string

const (
	RelationCaused      CausalRelation = "caused"
	RelationEnabled     CausalRelation = "enabled"
	RelationSupersedes  CausalRelation = "supersedes"
	RelationContradicts CausalRelation = "contradicts"
	RelationDerivedFrom CausalRelation = "derived_from"
	RelationSupports    CausalRelation = "supports"
)

func isValidRelation(r CausalRelation) bool {
	switch r {
	case RelationCaused, RelationEnabled, RelationSupersedes, RelationContradicts, RelationDerivedFrom, RelationSupports:
		return true
	}
	return false
}

// MaxEdgesLimit is the hard, non-paginating cap on rows returned by any
// edge query (spec.md §9 Open Question, resolved in DESIGN.md: a flat
// cap rather than a cursor/offset scheme).
const MaxEdgesLimit = 100

// CausalEdge is a row of causal_edges.
type CausalEdge struct {
	ID          int64
	SourceID    string
	TargetID    string
	Relation    CausalRelation
	Strength    float64
	Evidence    string
	ExtractedAt time.Time
}

// CausalGraph implements the Causal Graph component (C6), grounded on
// the teacher's GetGraph BFS (adapted here to depth-limited DFS) and its
// CreateRelationship/FindRelated validation shape.
type CausalGraph struct {
	store *Store
	log   *logging.Logger
}

// NewCausalGraph constructs a CausalGraph bound to store.
func NewCausalGraph(store *Store) *CausalGraph {
	return &CausalGraph{store: store, log: logging.GetLogger("causal")}
}

// InsertEdgeRequest is the input to InsertEdge.
type InsertEdgeRequest struct {
	SourceID string
	TargetID string
	Relation CausalRelation
	Strength float64
	Evidence string
}

func (g *CausalGraph) validate(req InsertEdgeRequest) error {
	if req.SourceID == "" || req.TargetID == "" {
		return fmt.Errorf("%w: source_id and target_id are required", ErrValidation)
	}
	if req.SourceID == req.TargetID {
		return fmt.Errorf("%w: source_id and target_id must differ", ErrValidation)
	}
	if !isValidRelation(req.Relation) {
		return fmt.Errorf("%w: unknown relation %q", ErrValidation, req.Relation)
	}
	if req.Strength < 0.0 || req.Strength > 1.0 {
		return fmt.Errorf("%w: strength must be in [0,1]", ErrValidation)
	}
	return nil
}

// InsertEdge validates and inserts a single causal edge.
func (g *CausalGraph) InsertEdge(req InsertEdgeRequest) (int64, error) {
	if err := g.validate(req); err != nil {
		return 0, err
	}

	res, err := g.store.db.Exec(`
		INSERT INTO causal_edges (source_id, target_id, relation, strength, evidence, extracted_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, req.SourceID, req.TargetID, req.Relation, req.Strength, nullableString(req.Evidence))
	if err != nil {
		return 0, fmt.Errorf("failed to insert causal edge: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// BatchInsertResult reports per-row outcomes of BatchInsertEdges.
type BatchInsertResult struct {
	Inserted int
	Failed   []BatchInsertFailure
}

// BatchInsertFailure pairs a rejected request with its error.
type BatchInsertFailure struct {
	Request InsertEdgeRequest
	Err     error
}

// BatchInsertEdges inserts each edge independently; one invalid row
// never aborts the rest, per spec.md §4.6.
func (g *CausalGraph) BatchInsertEdges(reqs []InsertEdgeRequest) BatchInsertResult {
	result := BatchInsertResult{}
	for _, req := range reqs {
		if _, err := g.InsertEdge(req); err != nil {
			result.Failed = append(result.Failed, BatchInsertFailure{Request: req, Err: err})
			continue
		}
		result.Inserted++
	}
	return result
}

func (g *CausalGraph) scanEdges(rows *sql.Rows) ([]CausalEdge, error) {
	var edges []CausalEdge
	for rows.Next() {
		var e CausalEdge
		var evidence sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Strength, &evidence, &e.ExtractedAt); err != nil {
			return nil, fmt.Errorf("failed to scan causal edge: %w", err)
		}
		e.Evidence = evidence.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const edgeColumns = "id, source_id, target_id, relation, strength, evidence, extracted_at"

// GetEdgesFrom returns outgoing edges from nodeID, capped at MaxEdgesLimit.
func (g *CausalGraph) GetEdgesFrom(nodeID string) ([]CausalEdge, error) {
	rows, err := g.store.db.Query(
		`SELECT `+edgeColumns+` FROM causal_edges WHERE source_id = ? ORDER BY strength DESC LIMIT ?`,
		nodeID, MaxEdgesLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges from %s: %w", nodeID, err)
	}
	defer rows.Close()
	return g.scanEdges(rows)
}

// GetEdgesTo returns incoming edges to nodeID, capped at MaxEdgesLimit.
func (g *CausalGraph) GetEdgesTo(nodeID string) ([]CausalEdge, error) {
	rows, err := g.store.db.Query(
		`SELECT `+edgeColumns+` FROM causal_edges WHERE target_id = ? ORDER BY strength DESC LIMIT ?`,
		nodeID, MaxEdgesLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges to %s: %w", nodeID, err)
	}
	defer rows.Close()
	return g.scanEdges(rows)
}

// GetAllEdgesOptions filters GetAllEdges.
type GetAllEdgesOptions struct {
	Relation CausalRelation
}

// GetAllEdges returns every edge, optionally filtered by relation,
// capped at MaxEdgesLimit per the resolved Open Question.
func (g *CausalGraph) GetAllEdges(opts GetAllEdgesOptions) ([]CausalEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM causal_edges`
	var args []any
	if opts.Relation != "" {
		query += ` WHERE relation = ?`
		args = append(args, opts.Relation)
	}
	query += ` ORDER BY extracted_at DESC LIMIT ?`
	args = append(args, MaxEdgesLimit)

	rows, err := g.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get all edges: %w", err)
	}
	defer rows.Close()
	return g.scanEdges(rows)
}

// ChainLink is one hop in a causal chain traversal.
type ChainLink struct {
	Edge  CausalEdge
	Depth int
}

// CausalChain is the result of GetCausalChain.
type CausalChain struct {
	StartID         string
	Links           []ChainLink
	ByRelation      map[CausalRelation][]ChainLink
	MaxDepthReached bool
}

// GetCausalChain performs a depth-limited DFS from startID following
// outgoing edges, grounded on the teacher's GetGraph BFS but adapted to
// DFS with a visited-set for cycle safety, per spec.md §4.6. maxDepth is
// clamped to [1,10].
func (g *CausalGraph) GetCausalChain(startID string, maxDepth int) (*CausalChain, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}

	chain := &CausalChain{
		StartID:    startID,
		ByRelation: make(map[CausalRelation][]ChainLink),
	}
	visited := map[string]bool{startID: true}

	var walk func(nodeID string, depth int) error
	walk = func(nodeID string, depth int) error {
		if depth > maxDepth {
			chain.MaxDepthReached = true
			return nil
		}

		edges, err := g.GetEdgesFrom(nodeID)
		if err != nil {
			return err
		}

		for _, e := range edges {
			link := ChainLink{Edge: e, Depth: depth}
			chain.Links = append(chain.Links, link)
			chain.ByRelation[e.Relation] = append(chain.ByRelation[e.Relation], link)

			if visited[e.TargetID] {
				// Closing or cross edge: recorded above, but the target is
				// already on the chain and is not expanded again.
				continue
			}
			visited[e.TargetID] = true

			if depth == maxDepth {
				chain.MaxDepthReached = true
				continue
			}
			if err := walk(e.TargetID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(startID, 1); err != nil {
		return nil, err
	}

	return chain, nil
}

// UpdateEdgeRequest carries optional field updates for UpdateEdge.
type UpdateEdgeRequest struct {
	Strength *float64
	Evidence *string
}

// UpdateEdge updates the mutable fields of an edge.
func (g *CausalGraph) UpdateEdge(edgeID int64, req UpdateEdgeRequest) error {
	if req.Strength == nil && req.Evidence == nil {
		return nil
	}
	if req.Strength != nil && (*req.Strength < 0.0 || *req.Strength > 1.0) {
		return fmt.Errorf("%w: strength must be in [0,1]", ErrValidation)
	}

	set := ""
	var args []any
	if req.Strength != nil {
		set += "strength = ?"
		args = append(args, *req.Strength)
	}
	if req.Evidence != nil {
		if set != "" {
			set += ", "
		}
		set += "evidence = ?"
		args = append(args, *req.Evidence)
	}
	args = append(args, edgeID)

	res, err := g.store.db.Exec(fmt.Sprintf("UPDATE causal_edges SET %s WHERE id = ?", set), args...)
	if err != nil {
		return fmt.Errorf("failed to update edge %d: %w", edgeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: edge %d", ErrNotFound, edgeID)
	}
	return nil
}

// DeleteEdge removes a single edge by id.
func (g *CausalGraph) DeleteEdge(edgeID int64) error {
	res, err := g.store.db.Exec(`DELETE FROM causal_edges WHERE id = ?`, edgeID)
	if err != nil {
		return fmt.Errorf("failed to delete edge %d: %w", edgeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: edge %d", ErrNotFound, edgeID)
	}
	return nil
}

// DeleteEdgesForMemory removes every edge touching memoryID as source or
// target, used when a memory is permanently deleted.
func (g *CausalGraph) DeleteEdgesForMemory(memoryID string) (int64, error) {
	res, err := g.store.db.Exec(`DELETE FROM causal_edges WHERE source_id = ? OR target_id = ?`, memoryID, memoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges for memory %s: %w", memoryID, err)
	}
	return res.RowsAffected()
}

// GraphStats summarizes the causal graph, per spec.md §4.6's stats
// operation.
type GraphStats struct {
	EdgeCount     int
	NodeCount     int
	AvgStrength   float64
	OldestEdge    time.Time
	NewestEdge    time.Time
	ByRelation    map[CausalRelation]int
	OrphanedNodes []string
}

// GetGraphStats aggregates counts, average strength, date range, and a
// per-relation breakdown.
func (g *CausalGraph) GetGraphStats() (*GraphStats, error) {
	stats := &GraphStats{ByRelation: make(map[CausalRelation]int)}

	g.store.db.QueryRow(`SELECT COUNT(*) FROM causal_edges`).Scan(&stats.EdgeCount)
	g.store.db.QueryRow(`
		SELECT COUNT(DISTINCT id) FROM (
			SELECT source_id AS id FROM causal_edges
			UNION
			SELECT target_id AS id FROM causal_edges
		)
	`).Scan(&stats.NodeCount)

	var avg sql.NullFloat64
	g.store.db.QueryRow(`SELECT AVG(strength) FROM causal_edges`).Scan(&avg)
	stats.AvgStrength = avg.Float64

	var oldest, newest sql.NullTime
	g.store.db.QueryRow(`SELECT MIN(extracted_at), MAX(extracted_at) FROM causal_edges`).Scan(&oldest, &newest)
	stats.OldestEdge = oldest.Time
	stats.NewestEdge = newest.Time

	rows, err := g.store.db.Query(`SELECT relation, COUNT(*) FROM causal_edges GROUP BY relation`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate relation counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r CausalRelation
		var c int
		if err := rows.Scan(&r, &c); err != nil {
			return nil, err
		}
		stats.ByRelation[r] = c
	}

	orphanRows, err := g.store.db.Query(`
		SELECT CAST(id AS TEXT) FROM memory_index
		WHERE CAST(id AS TEXT) NOT IN (SELECT source_id FROM causal_edges)
		  AND CAST(id AS TEXT) NOT IN (SELECT target_id FROM causal_edges)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned nodes: %w", err)
	}
	defer orphanRows.Close()
	for orphanRows.Next() {
		var id string
		if err := orphanRows.Scan(&id); err != nil {
			return nil, err
		}
		stats.OrphanedNodes = append(stats.OrphanedNodes, id)
	}

	return stats, nil
}
