// Package neo4j implements the knowledge-graph port on a Neo4j server.
// Every call opens its own session; the driver's pool arbitrates
// connections underneath.
package neo4j

import (
	"errors"
	"fmt"
	"strings"

	neo "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Graph is the Neo4j-backed domain.GraphStore.
type Graph struct {
	driver   neo.DriverWithContext
	database string
}

var _ domain.GraphStore = (*Graph)(nil)

// New connects to the server at uri. The connection is lazy; call
// VerifyConnectivity to fail fast.
func New(uri, user, password, database string) (*Graph, error) {
	driver, err := neo.NewDriverWithContext(uri, neo.BasicAuth(user, password, ""))
	if err != nil {
		return nil, mapErr("neo4j.New", err)
	}
	return &Graph{driver: driver, database: database}, nil
}

func (g *Graph) session(ctx domain.Context) neo.SessionWithContext {
	return g.driver.NewSession(ctx, neo.SessionConfig{
		DatabaseName: g.database,
		AccessMode:   neo.AccessModeWrite,
	})
}

// EnsureConstraints creates the uniqueness constraint and lookup index the
// ingestion queries rely on. Safe to run repeatedly.
func (g *Graph) EnsureConstraints(ctx domain.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT poi_identity IF NOT EXISTS
		 FOR (p:POI) REQUIRE (p.run_id, p.semantic_id) IS UNIQUE`,
		`CREATE INDEX poi_run IF NOT EXISTS FOR (p:POI) ON (p.run_id)`,
	}
	sess := g.session(ctx)
	defer func() { _ = sess.Close(ctx) }()
	for _, stmt := range stmts {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return mapErr("neo4j.EnsureConstraints", err)
		}
	}
	return nil
}

// IngestPOIs merges the batch as POI nodes keyed by (run, semantic id).
// Re-ingesting a node overwrites its properties, so replays converge.
func (g *Graph) IngestPOIs(ctx domain.Context, runID string, pois []domain.POI) error {
	if len(pois) == 0 {
		return nil
	}
	sess := g.session(ctx)
	defer func() { _ = sess.Close(ctx) }()
	_, err := sess.ExecuteWrite(ctx, func(tx neo.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`UNWIND $pois AS poi
			 MERGE (p:POI {run_id: $run_id, semantic_id: poi.semantic_id})
			 SET p.name        = poi.name,
			     p.kind        = poi.kind,
			     p.file_path   = poi.file_path,
			     p.start_line  = poi.start_line,
			     p.end_line    = poi.end_line,
			     p.description = poi.description,
			     p.exported    = poi.exported`,
			map[string]any{"run_id": runID, "pois": poiRows(pois)})
		return nil, err
	})
	if err != nil {
		return mapErr("neo4j.IngestPOIs", err)
	}
	return nil
}

// IngestEdges merges validated edges between already-ingested POI nodes.
// Cypher cannot parameterize relationship types, so edges run grouped by
// kind with the enum value inlined; unknown kinds are rejected first.
func (g *Graph) IngestEdges(ctx domain.Context, runID string, edges []domain.GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	byKind := map[domain.RelationshipKind][]map[string]any{}
	for _, e := range edges {
		if !domain.KnownRelationshipKind(string(e.Kind)) {
			return fmt.Errorf("op=neo4j.IngestEdges kind %q: %w", e.Kind, domain.ErrInvalidArgument)
		}
		byKind[e.Kind] = append(byKind[e.Kind], map[string]any{
			"from":        e.FromSemanticID,
			"to":          e.ToSemanticID,
			"confidence":  e.Confidence,
			"level":       string(e.Level),
			"fingerprint": e.Fingerprint,
		})
	}

	sess := g.session(ctx)
	defer func() { _ = sess.Close(ctx) }()
	_, err := sess.ExecuteWrite(ctx, func(tx neo.ManagedTransaction) (any, error) {
		for kind, rows := range byKind {
			query := fmt.Sprintf(
				`UNWIND $edges AS edge
				 MATCH (from:POI {run_id: $run_id, semantic_id: edge.from})
				 MATCH (to:POI   {run_id: $run_id, semantic_id: edge.to})
				 MERGE (from)-[r:%s]->(to)
				 SET r.confidence  = edge.confidence,
				     r.level       = edge.level,
				     r.fingerprint = edge.fingerprint`, kind)
			if _, err := tx.Run(ctx, query, map[string]any{"run_id": runID, "edges": rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return mapErr("neo4j.IngestEdges", err)
	}
	return nil
}

// VerifyConnectivity checks the connection and round-trips one query, which
// is what the health monitor wants to know.
func (g *Graph) VerifyConnectivity(ctx domain.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return mapErr("neo4j.VerifyConnectivity", err)
	}
	sess := g.session(ctx)
	defer func() { _ = sess.Close(ctx) }()
	if _, err := sess.Run(ctx, "RETURN 1", nil); err != nil {
		return mapErr("neo4j.VerifyConnectivity query", err)
	}
	return nil
}

// Close shuts the driver down.
func (g *Graph) Close(ctx domain.Context) error {
	return g.driver.Close(ctx)
}

// poiRows flattens POIs into driver-friendly parameter maps.
func poiRows(pois []domain.POI) []map[string]any {
	rows := make([]map[string]any, 0, len(pois))
	for _, p := range pois {
		rows = append(rows, map[string]any{
			"semantic_id": p.SemanticID,
			"name":        p.Name,
			"kind":        string(p.Kind),
			"file_path":   p.FilePath,
			"start_line":  p.StartLine,
			"end_line":    p.EndLine,
			"description": p.Description,
			"exported":    p.Exported,
		})
	}
	return rows
}

// mapErr tags driver failures with the domain taxonomy so the graph breaker
// can separate backoff conditions from real faults.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.Contains(neoErr.Code, "DeadlockDetected"):
			return fmt.Errorf("op=%s: %s: %w", op, neoErr.Code, domain.ErrStoreDeadlock)
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security"):
			return fmt.Errorf("op=%s: %s: %w", op, neoErr.Code, domain.ErrAuth)
		}
	}
	if neo.IsConnectivityError(err) && strings.Contains(err.Error(), "pool") {
		return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrPoolExhausted)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
