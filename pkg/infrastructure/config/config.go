package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Direction controls which side's changes propagate for a sync root.
type Direction string

const (
	DirectionUp     Direction = "up"     // local -> remote only
	DirectionDown   Direction = "down"   // remote -> local only
	DirectionTwoWay Direction = "twoway" // both directions
)

// Config holds all driftsync configuration
type Config struct {
	// Synchronized roots
	Roots []RootConfig `json:"roots"`

	// Snapshot storage
	StateDir string `json:"state_dir"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// RootConfig describes one synchronized (local path, remote handle) pair.
type RootConfig struct {
	ID         string    `json:"id"`
	LocalPath  string    `json:"local_path"`
	RemoteRoot uint64    `json:"remote_root"`
	Direction  Direction `json:"direction"`

	// Soft-delete destination, relative to LocalPath
	DebrisFolder string `json:"debris_folder"`

	// Engine tuning
	DebounceMs       int `json:"debounce_ms"`
	MoveWindowMs     int `json:"move_window_ms"`
	MaxTransfers     int `json:"max_transfers"`
	MaxRetries       int `json:"max_retries"`
	QueueSanityLimit int `json:"queue_sanity_limit"`
	SnapshotSeconds  int `json:"snapshot_seconds"`
	RescanSeconds    int `json:"rescan_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // console, file
	File   string `json:"file,omitempty"`
	Format string `json:"format"` // text, json
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Roots:    []RootConfig{},
		StateDir: filepath.Join(homeDir, ".driftsync", "state"),
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
			Format: "text",
		},
	}
}

// DefaultRootConfig returns per-root defaults for the given pair.
func DefaultRootConfig(id, localPath string, remoteRoot uint64) RootConfig {
	return RootConfig{
		ID:               id,
		LocalPath:        localPath,
		RemoteRoot:       remoteRoot,
		Direction:        DirectionTwoWay,
		DebrisFolder:     ".debris",
		DebounceMs:       500,
		MoveWindowMs:     2000,
		MaxTransfers:     4,
		MaxRetries:       5,
		QueueSanityLimit: 8192,
		SnapshotSeconds:  30,
		RescanSeconds:    30,
	}
}

// LoadConfig loads configuration from a file, applying defaults and
// environment overrides.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", filename)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyRootDefaults()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration to a file
func (c *Config) Save(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyRootDefaults fills zero-valued tuning fields on every root.
func (c *Config) applyRootDefaults() {
	for i := range c.Roots {
		r := &c.Roots[i]
		def := DefaultRootConfig(r.ID, r.LocalPath, r.RemoteRoot)
		if r.Direction == "" {
			r.Direction = def.Direction
		}
		if r.DebrisFolder == "" {
			r.DebrisFolder = def.DebrisFolder
		}
		if r.DebounceMs == 0 {
			r.DebounceMs = def.DebounceMs
		}
		if r.MoveWindowMs == 0 {
			r.MoveWindowMs = def.MoveWindowMs
		}
		if r.MaxTransfers == 0 {
			r.MaxTransfers = def.MaxTransfers
		}
		if r.MaxRetries == 0 {
			r.MaxRetries = def.MaxRetries
		}
		if r.QueueSanityLimit == 0 {
			r.QueueSanityLimit = def.QueueSanityLimit
		}
		if r.SnapshotSeconds == 0 {
			r.SnapshotSeconds = def.SnapshotSeconds
		}
		if r.RescanSeconds == 0 {
			r.RescanSeconds = def.RescanSeconds
		}
	}
}

// applyEnvOverrides applies DRIFTSYNC_* environment variable overrides
func (c *Config) applyEnvOverrides() {
	if stateDir := os.Getenv("DRIFTSYNC_STATE_DIR"); stateDir != "" {
		c.StateDir = stateDir
	}
	if level := os.Getenv("DRIFTSYNC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if output := os.Getenv("DRIFTSYNC_LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}
	if maxTransfers := os.Getenv("DRIFTSYNC_MAX_TRANSFERS"); maxTransfers != "" {
		if n, err := strconv.Atoi(maxTransfers); err == nil && n > 0 {
			for i := range c.Roots {
				c.Roots[i].MaxTransfers = n
			}
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	seen := make(map[string]bool)
	for i := range c.Roots {
		r := &c.Roots[i]
		if r.ID == "" {
			return fmt.Errorf("root %d: id cannot be empty", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate root id: %s", r.ID)
		}
		seen[r.ID] = true

		if r.LocalPath == "" {
			return fmt.Errorf("root %s: local_path cannot be empty", r.ID)
		}
		if !filepath.IsAbs(r.LocalPath) {
			return fmt.Errorf("root %s: local_path must be absolute", r.ID)
		}
		switch r.Direction {
		case DirectionUp, DirectionDown, DirectionTwoWay:
		default:
			return fmt.Errorf("root %s: invalid direction: %s", r.ID, r.Direction)
		}
		if strings.ContainsRune(r.DebrisFolder, os.PathSeparator) {
			return fmt.Errorf("root %s: debris_folder must be a single path element", r.ID)
		}
		if r.MaxTransfers < 1 {
			return fmt.Errorf("root %s: max_transfers must be at least 1", r.ID)
		}
		if r.MaxRetries < 0 {
			return fmt.Errorf("root %s: max_retries cannot be negative", r.ID)
		}
	}

	return nil
}

// Debounce returns the per-root debounce interval.
func (r *RootConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMs) * time.Millisecond
}

// MoveWindow returns the window in which a disappearance and an appearance
// with matching identity are treated as one move.
func (r *RootConfig) MoveWindow() time.Duration {
	return time.Duration(r.MoveWindowMs) * time.Millisecond
}

// SnapshotInterval returns the cadence for mirror snapshots.
func (r *RootConfig) SnapshotInterval() time.Duration {
	return time.Duration(r.SnapshotSeconds) * time.Second
}

// RescanInterval returns the cadence for full tri-walk rescans; rounds in
// between revisit only the subtrees the backlog names.
func (r *RootConfig) RescanInterval() time.Duration {
	return time.Duration(r.RescanSeconds) * time.Second
}
