package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsConfigError(t *testing.T) {
	assert.Error(t, run(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestRun_ListenErrorIsReturned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "-1"
  mode: test
database:
  driver: sqlite
  dsn: "file:api_run_test?mode=memory&cache=shared"
redis:
  addr: "127.0.0.1:1"
log:
  level: error
`), 0o600))

	assert.Error(t, run(path))
}
