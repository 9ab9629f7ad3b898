// Package config holds runtime settings for the qrkeeper application and
// worker. Values are resolved defaults -> JSON file -> command-line flags,
// later sources taking precedence.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the resolved runtime configuration.
//
// Units: intervals are time.Durations (e.g. 30*time.Second).
type Config struct {
	// DataDir is the root for the database, sidecar state, backups and
	// worker caches.
	DataDir string
	// WorkerBinary is the path of the worker executable the lifecycle
	// manager spawns.
	WorkerBinary string
	// WorkerSocket is the unix socket the worker serves on.
	WorkerSocket string

	ProbeURL            string
	ProbeInterval       time.Duration
	SyncInterval        time.Duration
	UpdateCheckInterval time.Duration

	// UsePassword derives the encryption key from a passphrase prompt
	// instead of a generated key.
	UsePassword bool

	// S3Bucket enables the S3 snapshot sink when non-empty.
	S3Bucket string
	S3Prefix string

	LogLevel string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.DataDir = filepath.Join(home, ".qrkeeper")
	c.WorkerBinary = siblingBinary("qrkeeper-worker")
	c.WorkerSocket = filepath.Join(c.DataDir, "worker.sock")
	c.ProbeURL = "https://connectivitycheck.gstatic.com/generate_204"
	c.ProbeInterval = 30 * time.Second
	c.SyncInterval = 60 * time.Second
	c.UpdateCheckInterval = 30 * time.Minute
	c.UsePassword = false
	c.S3Prefix = "qrkeeper/"
	c.LogLevel = "info"
}

// DBPath is the SQLite file under DataDir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "qrkeeper.db") }

// SidecarDir holds key material and small persisted state.
func (c *Config) SidecarDir() string { return filepath.Join(c.DataDir, "sidecar") }

// BackupDir holds rolling pre-migration snapshots.
func (c *Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// CacheDir holds the worker's named caches.
func (c *Config) CacheDir() string { return filepath.Join(c.DataDir, "caches") }

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

// siblingBinary resolves a binary living next to the current executable.
func siblingBinary(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}
