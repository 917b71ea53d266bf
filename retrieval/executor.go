package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/minutegraph/cypher"
	"github.com/brunobiangulo/minutegraph/graph"
)

// DefaultTopK caps the rows handed to answer generation.
const DefaultTopK = 100

// Connector re-establishes the graph connection.
type Connector interface {
	Reconnect(ctx context.Context) error
}

// Executor runs accepted queries against the graph.
type Executor struct {
	Store     graph.Store
	Connector Connector
	TopK      int
}

// Execute runs q and returns at most TopK rows. An empty query, which the
// corrector produces for queries that do not fit the schema, returns no
// rows without touching the store. A lost session is reconnected once and
// the query retried once.
func (e *Executor) Execute(ctx context.Context, q string) ([]map[string]any, error) {
	if strings.TrimSpace(q) == "" {
		return []map[string]any{}, nil
	}
	if v := cypher.CheckSafety(q); !v.Safe {
		return nil, v.Err()
	}

	rows, err := e.Store.Query(ctx, q, nil)
	if err != nil && errors.Is(err, graph.ErrSessionExpired) && e.Connector != nil {
		slog.Warn("retrieval: session expired, reconnecting", "error", err)
		if rerr := e.Connector.Reconnect(ctx); rerr != nil {
			return nil, fmt.Errorf("retrieval: reconnecting: %w", rerr)
		}
		rows, err = e.Store.Query(ctx, q, nil)
	}
	if err != nil {
		return nil, err
	}

	k := e.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	if len(rows) > k {
		rows = rows[:k]
	}
	return rows, nil
}

// StripKeys removes every map key containing "embedding" or "page_list",
// at any depth. Vectors are useless to the answering model and expensive.
func StripKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if strings.Contains(k, "embedding") || strings.Contains(k, "page_list") {
				delete(x, k)
				continue
			}
			x[k] = StripKeys(val)
		}
		return x
	case []map[string]any:
		for i := range x {
			StripKeys(x[i])
		}
		return x
	case []any:
		for i := range x {
			x[i] = StripKeys(x[i])
		}
		return x
	default:
		return v
	}
}
