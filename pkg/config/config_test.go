package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("URL", "https://data.example.com")
	t.Setenv("KEY", "secret")
	t.Setenv("HOME", "/home/tester")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://data.example.com", cfg.URL)
	assert.Equal(t, "secret", cfg.Key)
	assert.Equal(t, filepath.Join("/home/tester", ".agent"), cfg.DataDir)
	assert.Equal(t, filepath.Join("/home/tester", "projects"), cfg.ProjectsRoot)
	assert.Equal(t, filepath.Join("/home/tester", ".gatehouse"), cfg.GatehouseDir)
	assert.Equal(t, "agent", cfg.AgentProcess)
	assert.Equal(t, "caffeinate", cfg.InhibitorProcess)
	assert.Equal(t, 250*time.Millisecond, cfg.WatchInterval)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 14, cfg.RetentionDays)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("DATA_DIR", "/var/agent-data")
	t.Setenv("PROJECTS_ROOT", "/srv/org")
	t.Setenv("GATEHOUSE_DIR", "/opt/gatehouse")
	t.Setenv("AGENT_PROCESS", "coder")
	t.Setenv("WATCH_INTERVAL_MS", "100")
	t.Setenv("SYNC_INTERVAL_SEC", "2")
	t.Setenv("RETENTION_DAYS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/agent-data", cfg.DataDir)
	assert.Equal(t, "/srv/org", cfg.ProjectsRoot)
	assert.Equal(t, "/opt/gatehouse", cfg.GatehouseDir)
	assert.Equal(t, "coder", cfg.AgentProcess)
	assert.Equal(t, 100*time.Millisecond, cfg.WatchInterval)
	assert.Equal(t, 2*time.Second, cfg.SyncInterval)
	assert.Equal(t, 30, cfg.RetentionDays)
}

func TestLoad_InvalidIntervals(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric watch interval", "WATCH_INTERVAL_MS", "fast"},
		{"zero watch interval", "WATCH_INTERVAL_MS", "0"},
		{"negative sync interval", "SYNC_INTERVAL_SEC", "-5"},
		{"non-numeric retention", "RETENTION_DAYS", "forever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", "/home/tester")
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestRequireDatastore(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.RequireDatastore())

	cfg.URL = "https://data.example.com"
	err := cfg.RequireDatastore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY")

	cfg.Key = "secret"
	assert.NoError(t, cfg.RequireDatastore())
}

func TestPaths(t *testing.T) {
	cfg := &Config{
		DataDir:      "/data",
		GatehouseDir: "/gh",
	}

	assert.Equal(t, "/data/events.log", cfg.EventLog())
	assert.Equal(t, "/data/model-stats", cfg.ModelStats())
	assert.Equal(t, "/data/stats-cache.json", cfg.StatsCache())
	assert.Equal(t, "/data/projects", cfg.SessionRoot())
	assert.Equal(t, "/gh/.exporter.pid", cfg.PIDFile())
	assert.Equal(t, "/gh/slug-map.json", cfg.SlugMapFile())
	assert.Equal(t, "/gh/visibility-cache.json", cfg.VisibilityCacheFile())
	assert.Equal(t, "/gh/.env", cfg.EnvFile())
	assert.Equal(t, "/gh/"+PlistName, cfg.PlistFile())
	assert.Equal(t, "/gh/exporter.err.log", cfg.ErrorLog())
}
