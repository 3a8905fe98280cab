package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesLocalPlatform(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  json: true
sync_current_dir: true
platforms:
  - kind: local
    name: dev
    agent_binary: ./fleetrun-agent
    root_path: /tmp/fleetrun
    base_port: 8400
    worker_count: 2
    capacity_per_worker: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.True(t, cfg.SyncCurrentDir)
	require.Len(t, cfg.Platforms, 1)
	assert.Equal(t, "local", cfg.Platforms[0].Kind)
	assert.Equal(t, 2, cfg.Platforms[0].WorkerCount)
}

func TestBuildPlatformsLocal(t *testing.T) {
	cfg := &ClusterConfig{
		Platforms: []PlatformSpec{
			{Kind: "local", Name: "dev", AgentBinary: "./fleetrun-agent", RootPath: "/tmp", BasePort: 8400, WorkerCount: 1, CapacityPerWorker: 2},
		},
	}

	platforms, err := cfg.BuildPlatforms()
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, "local", platforms[0].Name())
}

func TestBuildPlatformsUnknownKind(t *testing.T) {
	cfg := &ClusterConfig{Platforms: []PlatformSpec{{Kind: "bogus", Name: "x"}}}

	_, err := cfg.BuildPlatforms()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}
