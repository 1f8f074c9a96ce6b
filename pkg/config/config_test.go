package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.True(t, cfg.Pipeline.Rerank)
	assert.Equal(t, "hybrid", cfg.Pipeline.RerankMethod)
	assert.Equal(t, 16, cfg.Pipeline.EmbeddingDim)
	assert.Equal(t, "rag_default", cfg.Pipeline.DefaultPromptName)
	assert.InDelta(t, 0.45, cfg.Pipeline.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 24, cfg.Demo.EmbeddingDim)
	assert.Equal(t, 50, cfg.Storage.MemoryCapacity)
	assert.Equal(t, 2, cfg.Scoring.MaxRetries)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "storage:\n  driver: memory\npipeline:\n  topK: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("RAG_EVAL_PIPELINE_RERANKMETHOD", "lexical")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Pipeline.TopK)
	assert.Equal(t, "lexical", cfg.Pipeline.RerankMethod)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad storage", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"bad index", func(c *Config) { c.Index.Driver = "faiss" }, "index.driver"},
		{"remote without url", func(c *Config) { c.Scoring.Mode = "remote"; c.Scoring.URL = "" }, "scoring.url"},
		{"bad mode", func(c *Config) { c.Scoring.Mode = "grpc" }, "scoring.mode"},
		{"zero top k", func(c *Config) { c.Pipeline.TopK = 0 }, "topK"},
		{"zero dims", func(c *Config) { c.Pipeline.EmbeddingDim = 0 }, "dimensions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
