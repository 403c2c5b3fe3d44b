package rag

import (
	"context"
	"fmt"
	"unicode/utf16"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

const DefaultDimensions = 1536

type EmbeddingModel interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HashEmbedding derives a unit vector from a 32-bit string hash fed through a
// linear congruential generator. It needs no model and is fully
// deterministic, so identical text always maps to the identical vector.
type HashEmbedding struct {
	dims int
}

func NewHashEmbedding(dims int) *HashEmbedding {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedding{dims: dims}
}

func (h *HashEmbedding) Name() string { return fmt.Sprintf("hash-%d", h.dims) }

func (h *HashEmbedding) Dimensions() int { return h.dims }

func (h *HashEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := stringHash(text)
	v := make([]float64, h.dims)
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float64(seed)/4294967296.0*2 - 1
	}
	return toFloat32(normalize(v)), nil
}

func (h *HashEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// stringHash is the 31-multiplier hash over UTF-16 code units, wrapped to 32 bits.
func stringHash(s string) uint32 {
	var h uint32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h*31 + uint32(unit)
	}
	return h
}

func normalize(v []float64) []float64 {
	n := floats.Norm(v, 2)
	if n == 0 {
		return v
	}
	floats.Scale(1/n, v)
	return v
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, contentHash, model string, vector []float32) error
}

// CachedEmbedding memoises another model by content hash in the store.
type CachedEmbedding struct {
	inner  EmbeddingModel
	cache  EmbeddingCache
	logger *zap.Logger
}

func NewCachedEmbedding(inner EmbeddingModel, cache EmbeddingCache, logger *zap.Logger) *CachedEmbedding {
	if logger == nil {
		logger = zap.L()
	}
	return &CachedEmbedding{inner: inner, cache: cache, logger: logger}
}

func (c *CachedEmbedding) Name() string { return c.inner.Name() }

func (c *CachedEmbedding) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *CachedEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.inner.Name()
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		v, ok, err := c.cache.GetEmbedding(ctx, ContentHash(t), model)
		if err != nil {
			return nil, fmt.Errorf("read embedding cache: %w", err)
		}
		if ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		if err := c.cache.PutEmbedding(ctx, ContentHash(missTexts[j]), model, vectors[j]); err != nil {
			c.logger.Warn("write embedding cache failed", zap.String("model", model), zap.Error(err))
		}
	}
	c.logger.Debug("embeddings computed",
		zap.String("model", model),
		zap.Int("hits", len(texts)-len(missTexts)),
		zap.Int("misses", len(missTexts)),
	)
	return out, nil
}
