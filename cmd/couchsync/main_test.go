package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/pebblestore"
)

const modelsYAML = `
models:
  - name: Org
    database: main
    proxies:
      - {model: Repo, method: "field:db"}
  - name: Repo
    proxied_by: {model: Org}
    designs:
      - views:
          by_title: {fields: [title]}
`

type env struct {
	dir    string
	models string
}

func setup(t *testing.T, models string) env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(models), 0o600))

	t.Setenv("COUCHMODEL_STORE_BACKEND", "pebble")
	t.Setenv("COUCHMODEL_STORE_PATH", filepath.Join(dir, "data"))
	t.Setenv("COUCHMODEL_LOG_LEVEL", "warn")
	return env{dir: dir, models: path}
}

func (e env) seed(t *testing.T) {
	t.Helper()
	st, err := pebblestore.Open(filepath.Join(e.dir, "data"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	for _, d := range []struct{ db, id, target string }{{"main", "o1", "org_o1"}, {"main", "o2", "org_o2"}} {
		_, err := st.Put(ctx, d.db, d.id, store.Document{"type": "Org", "db": d.target}, "")
		require.NoError(t, err)
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRequiresModels(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "-models is required")
}

func TestRunMigrateWithProxies(t *testing.T) {
	e := setup(t, modelsYAML)
	e.seed(t)

	code, out, stderr := runCLI(t, "-models", e.models, "-proxies")
	require.Equal(t, exitOK, code, out+stderr)
	assert.Contains(t, out, "main/_design/Org created")
	assert.Contains(t, out, "org_o1/_design/Repo created")
	assert.Contains(t, out, "org_o2/_design/Repo created")
	assert.Contains(t, out, "3 units, 0 failed")

	code, out, _ = runCLI(t, "-models", e.models, "-proxies")
	require.Equal(t, exitOK, code)
	assert.Equal(t, 3, strings.Count(out, " unchanged"))
}

func TestRunStageCleanup(t *testing.T) {
	e := setup(t, modelsYAML)
	code, out, stderr := runCLI(t, "-models", e.models)
	require.Equal(t, exitOK, code, out+stderr)

	changed := strings.Replace(modelsYAML, "  - name: Org\n    database: main\n",
		"  - name: Org\n    database: main\n    designs:\n      - views:\n          by_name: {fields: [name]}\n", 1)
	require.NoError(t, os.WriteFile(e.models, []byte(changed), 0o600))

	code, out, _ = runCLI(t, "-models", e.models, "-no-activate")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "main/_design/Org staged")

	require.NoError(t, os.WriteFile(e.models, []byte(modelsYAML), 0o600))
	code, out, _ = runCLI(t, "-models", e.models, "-cleanup")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "main/_design/Org cleaned")
}

func TestRunReportsInvalidModels(t *testing.T) {
	e := setup(t, "models:\n  - name: Repo\n    proxied_by: {model: Ghost}\n")
	code, _, stderr := runCLI(t, "-models", e.models)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "invalid models")
}
