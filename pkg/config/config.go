// Package config loads exporter configuration from the environment and
// resolves the well-known file paths shared by the daemon and the gate
// commands. The .env file itself is loaded by the caller (godotenv) before
// Load is invoked.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Tuning constants shared across the exporter. These are deliberately not
// environment-driven: they encode pipeline invariants, not deployment choices.
const (
	// AutoCloseAfter is how long the facility may sit with zero windowed-active
	// agents before the daemon flips it closed on its own.
	AutoCloseAfter = 2 * time.Hour

	// GapThreshold is the offline gap beyond which a starting daemon replays
	// event-log entries newer than the facility row's last update.
	GapThreshold = 120 * time.Second

	// MaintenanceEvery is the aggregate-loop iteration multiple at which the
	// slow maintenance pass (slug refresh, session rescan, daily sync) runs.
	MaintenanceEvery = 60

	// EventBatchSize caps a single event insert request.
	EventBatchSize = 500

	// UpdateConcurrency caps parallel row updates against the datastore.
	UpdateConcurrency = 50

	// BufferWindowDays bounds the in-memory entry buffer.
	BufferWindowDays = 31

	// WindowSize is the per-PID activity ring length (40 samples at the
	// default 250 ms watch interval is a 10 s wall window).
	WindowSize = 40

	// ActiveDensityPct is the window density (percent of true samples) at or
	// above which a PID counts as windowed-active.
	ActiveDensityPct = 15

	// CPUActiveThreshold is the instantaneous CPU percentage above which a
	// process sample counts as raw-active.
	CPUActiveThreshold = 1.0
)

// PlistName is the launchd agent definition filename, both in the exporter
// directory and as the symlink in the user's LaunchAgents directory.
const PlistName = "com.gatehouse.exporter.plist"

// Config carries everything the three executables need. All values come from
// the environment after the caller has loaded .env.
type Config struct {
	// URL is the datastore REST endpoint root. Required.
	URL string
	// Key is the datastore bearer secret. Required.
	Key string
	// SiteURL is the public site checked by the open preflight.
	SiteURL string

	// DataDir is the agent-owned data root (events.log, model-stats,
	// stats-cache.json, projects/). Read-only to the exporter.
	DataDir string
	// ProjectsRoot is the canonical organization root holding the on-disk
	// project directories.
	ProjectsRoot string
	// GatehouseDir is the exporter-owned directory (.env, PID file, plist,
	// error log, slug map, visibility cache).
	GatehouseDir string

	// AgentProcess is the command name the process scanner matches.
	AgentProcess string
	// InhibitorProcess is the wake-inhibitor child name treated as a
	// sustained-work signal.
	InhibitorProcess string

	// WatchInterval is the watcher-loop period.
	WatchInterval time.Duration
	// SyncInterval is the aggregate-loop period.
	SyncInterval time.Duration
	// RetentionDays is the event retention horizon for the daily prune.
	RetentionDays int

	// GitHubOrg and GitHubToken drive the one-shot repository visibility
	// enumeration. Both optional; unset means every project stays private.
	GitHubOrg   string
	GitHubToken string
}

// Load reads configuration from the environment. URL and KEY are validated by
// the callers that require them (the daemon and the open command) rather than
// here, so the close command can run against a half-configured environment.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	watchMS, err := strconv.Atoi(getEnvOrDefault("WATCH_INTERVAL_MS", "250"))
	if err != nil || watchMS <= 0 {
		return nil, fmt.Errorf("invalid WATCH_INTERVAL_MS: %q", os.Getenv("WATCH_INTERVAL_MS"))
	}
	syncSec, err := strconv.Atoi(getEnvOrDefault("SYNC_INTERVAL_SEC", "5"))
	if err != nil || syncSec <= 0 {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL_SEC: %q", os.Getenv("SYNC_INTERVAL_SEC"))
	}
	retention, err := strconv.Atoi(getEnvOrDefault("RETENTION_DAYS", "14"))
	if err != nil || retention <= 0 {
		return nil, fmt.Errorf("invalid RETENTION_DAYS: %q", os.Getenv("RETENTION_DAYS"))
	}

	return &Config{
		URL:              os.Getenv("URL"),
		Key:              os.Getenv("KEY"),
		SiteURL:          os.Getenv("SITE_URL"),
		DataDir:          getEnvOrDefault("DATA_DIR", filepath.Join(home, ".agent")),
		ProjectsRoot:     getEnvOrDefault("PROJECTS_ROOT", filepath.Join(home, "projects")),
		GatehouseDir:     getEnvOrDefault("GATEHOUSE_DIR", filepath.Join(home, ".gatehouse")),
		AgentProcess:     getEnvOrDefault("AGENT_PROCESS", "agent"),
		InhibitorProcess: getEnvOrDefault("INHIBITOR_PROCESS", "caffeinate"),
		WatchInterval:    time.Duration(watchMS) * time.Millisecond,
		SyncInterval:     time.Duration(syncSec) * time.Second,
		RetentionDays:    retention,
		GitHubOrg:        os.Getenv("GITHUB_ORG"),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
	}, nil
}

// DefaultEnvFile resolves the .env path before any environment file has been
// loaded: GATEHOUSE_DIR must come from the process environment (the .env
// lives inside it), falling back to ~/.gatehouse.
func DefaultEnvFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(getEnvOrDefault("GATEHOUSE_DIR", filepath.Join(home, ".gatehouse")), ".env"), nil
}

// RequireDatastore validates the two mandatory datastore settings.
func (c *Config) RequireDatastore() error {
	if c.URL == "" {
		return fmt.Errorf("URL is not set")
	}
	if c.Key == "" {
		return fmt.Errorf("KEY is not set")
	}
	return nil
}

// EnvFile is the .env path the gate commands check and the daemon loads.
func (c *Config) EnvFile() string { return filepath.Join(c.GatehouseDir, ".env") }

// EventLog is the append-only agent event log.
func (c *Config) EventLog() string { return filepath.Join(c.DataDir, "events.log") }

// ModelStats is the whitespace-delimited per-model token snapshot.
func (c *Config) ModelStats() string { return filepath.Join(c.DataDir, "model-stats") }

// StatsCache is the precomputed daily activity cache.
func (c *Config) StatsCache() string { return filepath.Join(c.DataDir, "stats-cache.json") }

// SessionRoot holds the per-session record files, one subdirectory per
// encoded working directory.
func (c *Config) SessionRoot() string { return filepath.Join(c.DataDir, "projects") }

// PIDFile is the daemon's single-instance lock.
func (c *Config) PIDFile() string { return filepath.Join(c.GatehouseDir, ".exporter.pid") }

// SlugMapFile is the persisted directory→slug snapshot from the last run.
func (c *Config) SlugMapFile() string { return filepath.Join(c.GatehouseDir, "slug-map.json") }

// VisibilityCacheFile is the persisted project visibility cache.
func (c *Config) VisibilityCacheFile() string {
	return filepath.Join(c.GatehouseDir, "visibility-cache.json")
}

// PlistFile is the launchd agent definition shipped in the exporter directory.
func (c *Config) PlistFile() string { return filepath.Join(c.GatehouseDir, PlistName) }

// ErrorLog is where launchd routes the daemon's stderr.
func (c *Config) ErrorLog() string { return filepath.Join(c.GatehouseDir, "exporter.err.log") }

// AgentPlistLink is the symlink the open command maintains in the user's
// service directory.
func (c *Config) AgentPlistLink() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", PlistName), nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
