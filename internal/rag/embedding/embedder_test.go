package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedIsUnitOrZero(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"!!! ???",
		"The default SSO session timeout is 8 hours.",
		"timeout timeout timeout",
		"Refund requests are accepted within 14 days of the initial purchase for new annual subscriptions.",
	}

	for _, dims := range []int{1, 16, 24} {
		for _, in := range inputs {
			vec := Embed(in, dims)
			require.Len(t, vec, dims)

			n := Norm(vec)
			for _, v := range vec {
				assert.False(t, math.IsNaN(v))
			}
			if n == 0 {
				continue
			}
			assert.InDelta(t, 1.0, n, 1e-6, "dims=%d input=%q", dims, in)
		}
	}
}

func TestEmbedZeroForEmptyText(t *testing.T) {
	assert.Equal(t, make([]float64, 16), Embed("", 16))
	assert.Equal(t, make([]float64, 16), Embed("--", 16))
}

func TestEmbedDeterministicAndOrderIndependent(t *testing.T) {
	a := Embed("session timeout default", 16)
	b := Embed("default session timeout", 16)
	c := Embed("Default SESSION, timeout!", 16)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Equal(t, a, Embed("session timeout default", 16))
}

func TestEmbedIsRounded(t *testing.T) {
	for _, v := range Embed("api access tokens expire after 90 days", 24) {
		assert.Equal(t, v, Round(v, Precision))
	}
}

func TestEmbedNonPositiveDims(t *testing.T) {
	assert.Nil(t, Embed("text", 0))
}

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]float64
	gets    int
	failGet bool
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet {
		return nil, false, errors.New("cache down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func TestEmbedderUsesCache(t *testing.T) {
	cache := &mapCache{data: map[string][]float64{}}
	e := NewEmbedder(16, cache)

	first := e.Embed(context.Background(), "audit logs")
	require.Len(t, cache.data, 1)

	for k := range cache.data {
		cache.data[k] = append([]float64(nil), first...)
		cache.data[k][0] = 42
	}
	second := e.Embed(context.Background(), "audit logs")
	assert.Equal(t, 42.0, second[0])
	assert.Equal(t, 2, cache.gets)
}

func TestEmbedderFallsBackWhenCacheFails(t *testing.T) {
	cache := &mapCache{data: map[string][]float64{}, failGet: true}
	e := NewEmbedder(16, cache)

	assert.Equal(t, Embed("audit logs", 16), e.Embed(context.Background(), "audit logs"))
}

func TestEmbedderWithoutCache(t *testing.T) {
	e := NewEmbedder(8, nil)
	assert.Equal(t, 8, e.Dims())
	assert.Equal(t, Embed("x y", 8), e.Embed(context.Background(), "x y"))
}
