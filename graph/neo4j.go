// Package graph is the boundary to the graph database: the Neo4j store,
// schema introspection and the knowledge-graph build from aggregated
// meeting records.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrSessionExpired marks a lost connection. Callers reconnect once and
// retry.
var ErrSessionExpired = errors.New("graph: session expired")

// Store runs read queries and returns rows as plain Go values.
type Store interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Runner runs write statements.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) error
}

// Config holds connection settings.
type Config struct {
	URI      string `json:"uri" yaml:"uri" toml:"uri"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
	Database string `json:"database" yaml:"database" toml:"database"`
}

// Neo4j is a Store and Runner backed by the Neo4j driver.
type Neo4j struct {
	cfg    Config
	mu     sync.RWMutex
	driver neo4j.DriverWithContext
}

// Open connects and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Neo4j, error) {
	n := &Neo4j{cfg: cfg}
	if err := n.Reconnect(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Reconnect replaces the driver with a fresh one using the same settings.
func (n *Neo4j) Reconnect(ctx context.Context) error {
	if n.cfg.URI == "" {
		return fmt.Errorf("graph: no uri configured")
	}
	d, err := neo4j.NewDriverWithContext(n.cfg.URI, neo4j.BasicAuth(n.cfg.Username, n.cfg.Password, ""))
	if err != nil {
		return fmt.Errorf("graph: creating driver: %w", err)
	}
	if err := d.VerifyConnectivity(ctx); err != nil {
		d.Close(ctx)
		return fmt.Errorf("graph: connecting to %s: %w", n.cfg.URI, classify(err))
	}

	n.mu.Lock()
	old := n.driver
	n.driver = d
	n.mu.Unlock()
	if old != nil {
		old.Close(ctx)
	}
	slog.Info("graph: connected", "uri", n.cfg.URI)
	return nil
}

func (n *Neo4j) current() neo4j.DriverWithContext {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.driver
}

func (n *Neo4j) execute(ctx context.Context, cypher string, params map[string]any, read bool) (*neo4j.EagerResult, error) {
	d := n.current()
	if d == nil {
		return nil, ErrSessionExpired
	}
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if n.cfg.Database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(n.cfg.Database))
	}
	if read {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	res, err := neo4j.ExecuteQuery(ctx, d, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// Query implements Store. Read routing is used.
func (n *Neo4j) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	start := time.Now()
	res, err := n.execute(ctx, cypher, params, true)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(res.Records))
	for _, rec := range res.Records {
		row := make(map[string]any, len(rec.Keys))
		for i, k := range rec.Keys {
			row[k] = plain(rec.Values[i])
		}
		rows = append(rows, row)
	}
	slog.Debug("graph: query", "rows", len(rows), "elapsed", time.Since(start).Round(time.Millisecond))
	return rows, nil
}

// Run implements Runner.
func (n *Neo4j) Run(ctx context.Context, cypher string, params map[string]any) error {
	_, err := n.execute(ctx, cypher, params, false)
	return err
}

// Close releases the driver.
func (n *Neo4j) Close(ctx context.Context) error {
	n.mu.Lock()
	d := n.driver
	n.driver = nil
	n.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close(ctx)
}

// Schema reads labels, relationship types, their properties and the
// patterns present in the graph.
func (n *Neo4j) Schema(ctx context.Context) (*Schema, error) {
	return ReadSchema(ctx, n)
}

// VectorIndexes lists the vector indexes of the graph.
func (n *Neo4j) VectorIndexes(ctx context.Context) ([]VectorIndex, error) {
	return ReadVectorIndexes(ctx, n)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) && (strings.Contains(ne.Code, "SessionExpired") || strings.Contains(ne.Code, "ServiceUnavailable")) {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

// plain converts driver values into JSON-friendly Go values.
func plain(v any) any {
	switch x := v.(type) {
	case neo4j.Node:
		return plainMap(x.Props)
	case neo4j.Relationship:
		m := plainMap(x.Props)
		m["type"] = x.Type
		return m
	case neo4j.Path:
		out := make([]any, 0, len(x.Nodes)+len(x.Relationships))
		for i, nd := range x.Nodes {
			out = append(out, plainMap(nd.Props))
			if i < len(x.Relationships) {
				out = append(out, x.Relationships[i].Type)
			}
		}
		return out
	case neo4j.Date:
		return x.Time().Format("2006-01-02")
	case neo4j.LocalDateTime:
		return x.Time().Format("2006-01-02T15:04:05")
	case neo4j.LocalTime:
		return x.Time().Format("15:04:05")
	case time.Time:
		return x.Format(time.RFC3339)
	case neo4j.Duration:
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case map[string]any:
		return plainMap(x)
	default:
		return v
	}
}

func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

// ReadSchema introspects the graph through s.
func ReadSchema(ctx context.Context, s Store) (*Schema, error) {
	sc := &Schema{}

	nodes, err := s.Query(ctx, `CALL db.schema.nodeTypeProperties()
YIELD nodeLabels, propertyName, propertyTypes
UNWIND nodeLabels AS label
RETURN label, propertyName, propertyTypes`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: reading node properties: %w", err)
	}
	sc.Nodes = collectElements(nodes, "label")

	rels, err := s.Query(ctx, `CALL db.schema.relTypeProperties()
YIELD relType, propertyName, propertyTypes
RETURN relType, propertyName, propertyTypes`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: reading relationship properties: %w", err)
	}
	for _, r := range rels {
		// relType comes back as ":`HOSTED`"
		if t, ok := r["relType"].(string); ok {
			r["relType"] = strings.Trim(strings.TrimPrefix(t, ":"), "`")
		}
	}
	sc.Relationships = collectElements(rels, "relType")

	patterns, err := s.Query(ctx, `MATCH (a)-[r]->(b)
WITH DISTINCT labels(a) AS starts, type(r) AS type, labels(b) AS ends
UNWIND starts AS start
UNWIND ends AS end
RETURN DISTINCT start, type, end`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: reading patterns: %w", err)
	}
	for _, p := range patterns {
		sc.Patterns = append(sc.Patterns, Pattern{
			Start: str(p["start"]),
			Type:  str(p["type"]),
			End:   str(p["end"]),
		})
	}
	sc.sort()
	return sc, nil
}

func collectElements(rows []map[string]any, key string) []Element {
	idx := make(map[string]int)
	var out []Element
	for _, r := range rows {
		name := str(r[key])
		if name == "" {
			continue
		}
		i, ok := idx[name]
		if !ok {
			i = len(out)
			idx[name] = i
			out = append(out, Element{Name: name})
		}
		prop := str(r["propertyName"])
		if prop == "" {
			continue
		}
		out[i].Properties = append(out[i].Properties, Property{Name: prop, Types: strs(r["propertyTypes"])})
	}
	return out
}

// ReadVectorIndexes lists vector indexes through s.
func ReadVectorIndexes(ctx context.Context, s Store) ([]VectorIndex, error) {
	rows, err := s.Query(ctx, "SHOW VECTOR INDEXES YIELD name, labelsOrTypes, properties", nil)
	if err != nil {
		return nil, fmt.Errorf("graph: listing vector indexes: %w", err)
	}
	out := make([]VectorIndex, 0, len(rows))
	for _, r := range rows {
		out = append(out, VectorIndex{
			Name:       str(r["name"]),
			Labels:     strs(r["labelsOrTypes"]),
			Properties: strs(r["properties"]),
		})
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
