// Package embedding turns text into fixed-length, L2-normalized vectors
// without calling a model. Each token is hashed into one bucket and bucket
// counts are normalized, so the result depends only on the multiset of tokens.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/rag/tokens"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/utils"
)

// Precision is the number of decimals kept in stored vectors.
const Precision = 8

// Embed returns the deterministic embedding of text with dims components.
// Text without tokens yields the zero vector.
func Embed(text string, dims int) []float64 {
	if dims <= 0 {
		return nil
	}

	vec := make([]float64, dims)
	for _, tok := range tokens.Tokenize(text) {
		vec[bucket(tok, dims)]++
	}

	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}

	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = Round(v/norm, Precision)
	}
	return vec
}

// Norm is the Euclidean length of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func bucket(token string, dims int) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(dims))
}

// Cache stores embeddings by key. Implementations must be safe for concurrent use.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float64, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float64) error
}

// Embedder embeds at a fixed dimension and optionally consults a cache.
// Cache failures are logged and never change the result.
type Embedder struct {
	dims  int
	cache Cache
}

func NewEmbedder(dims int, cache Cache) *Embedder {
	return &Embedder{dims: dims, cache: cache}
}

func (e *Embedder) Dims() int {
	return e.dims
}

func (e *Embedder) Embed(ctx context.Context, text string) []float64 {
	if e.cache == nil {
		return Embed(text, e.dims)
	}

	key := utils.CacheKey("embedding", strconv.Itoa(e.dims), text)
	if vec, ok, err := e.cache.GetEmbedding(ctx, key); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok && len(vec) == e.dims {
		return vec
	}

	vec := Embed(text, e.dims)
	if err := e.cache.SetEmbedding(ctx, key, vec); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec
}
