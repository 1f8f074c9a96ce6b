package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`storage:
  driver: sqlite
  sqlitePath: %s
logging:
  level: error
  outputPath: stderr
`, filepath.Join(dir, "rag.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (map[string]any, []any, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))

	if err := cmd.Execute(); err != nil {
		return nil, nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(out.Bytes(), &obj); err == nil {
		return obj, nil, nil
	}
	var list []any
	require.NoError(t, json.Unmarshal(out.Bytes(), &list), out.String())
	return nil, list, nil
}

func TestSeedIsIdempotentAcrossRuns(t *testing.T) {
	cfg := writeConfig(t)

	res, _, err := run(t, cfg, "seed")
	require.NoError(t, err)
	assert.Equal(t, 3.0, res["documents"])
	assert.Equal(t, 15.0, res["questions"])

	res, _, err = run(t, cfg, "seed")
	require.NoError(t, err)
	assert.Equal(t, 0.0, res["documents"])
	assert.Equal(t, 0.0, res["questions"])
}

func TestSeedWithExtraQuestions(t *testing.T) {
	cfg := writeConfig(t)
	extra := filepath.Join(t.TempDir(), "questions.yaml")
	require.NoError(t, os.WriteFile(extra, []byte(`
- question: How long are database backups kept?
  expected_answer: Backup retention is 30 days.
  phrase: Backup retention is 30 days
`), 0o644))

	res, _, err := run(t, cfg, "seed", "--questions", extra)
	require.NoError(t, err)
	assert.Equal(t, 16.0, res["questions"])
	assert.Equal(t, 0.0, res["unresolved"])
}

func TestPromptsAndEvalCommands(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := run(t, cfg, "seed")
	require.NoError(t, err)

	_, prompts, err := run(t, cfg, "prompts", "list", "--name", "rag_default")
	require.NoError(t, err)
	require.Len(t, prompts, 2)

	tpl, _, err := run(t, cfg, "prompts", "activate", "2")
	require.NoError(t, err)
	assert.Equal(t, "v2", tpl["version"])
	assert.Equal(t, true, tpl["active"])

	res, _, err := run(t, cfg, "eval", "offline")
	require.NoError(t, err)
	assert.Equal(t, "offline", res["run"].(map[string]any)["kind"])
	assert.NotNil(t, res["metrics"])
}

func TestDiagnoseErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, _, err := run(t, cfg, "diagnose", "abc")
	assert.Error(t, err)

	_, _, err = run(t, cfg, "diagnose", "42")
	assert.Error(t, err)

	_, _, err = run(t, cfg, "diagnose")
	assert.Error(t, err)
}
