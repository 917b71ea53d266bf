package minutegraph

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/store"
)

// embeddingCache is the part of the store the cached embedder needs.
type embeddingCache interface {
	CachedEmbedding(ctx context.Context, model, text string) ([]float32, error)
	PutEmbedding(ctx context.Context, model, text string, vec []float32) error
}

// cachedEmbedder serves repeated query phrases from the ledger and only
// sends misses to the model.
type cachedEmbedder struct {
	next  llm.Embedder
	cache embeddingCache
	model string
}

func (c *cachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var slots []int
	for i, t := range texts {
		vec, err := c.cache.CachedEmbedding(ctx, c.model, t)
		if err != nil {
			slog.Warn("minutegraph: reading embedding cache", "error", err)
		}
		if vec != nil {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		slog.Debug("minutegraph: embeddings served from cache", "texts", len(texts))
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		if j >= len(slots) {
			break
		}
		out[slots[j]] = vec
		if err := c.cache.PutEmbedding(ctx, c.model, missing[j], vec); err != nil {
			if errors.Is(err, store.ErrDimension) {
				slog.Warn("minutegraph: embedding dimension does not match cache", "error", err)
				continue
			}
			slog.Warn("minutegraph: writing embedding cache", "error", err)
		}
	}
	slog.Debug("minutegraph: embedded", "texts", len(texts), "cached", len(texts)-len(missing))
	return out, nil
}
