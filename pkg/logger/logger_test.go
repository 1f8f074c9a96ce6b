package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNopBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("not initialized", zap.String("k", "v"))
		Debug("debug")
	})
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "json", "stdout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	l, err := New("info", "json", path)
	require.NoError(t, err)
	l.Info("ingest finished", zap.Int("chunks", 3))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"ingest finished"`)
	assert.Contains(t, string(data), `"chunks":3`)
}
