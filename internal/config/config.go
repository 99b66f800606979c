package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config holds the sync layer configuration.
type Config struct {
	// DefaultPin is the pin name used when callers pin without naming one.
	DefaultPin string `json:"default_pin,omitempty" validate:"omitempty,min=1"`

	// QueryMaxResults caps how many objects a local query may return.
	// Exceeding it is a TOO_MANY_RESULTS error, distinct from zero results.
	QueryMaxResults int `json:"query_max_results,omitempty" validate:"omitempty,min=1"`

	// QueryMaxRelationDepth bounds recursive related-to evaluation so
	// self-referential relation cycles terminate.
	QueryMaxRelationDepth int `json:"query_max_relation_depth,omitempty" validate:"omitempty,min=1,max=16"`

	// WorkerPoolSize bounds how many asynchronous tasks run in parallel.
	WorkerPoolSize int `json:"worker_pool_size,omitempty" validate:"omitempty,min=1,max=256"`

	// ReplayBatchLimit caps how many queued commands one Drain pass replays.
	// 0 means drain until the queue is empty or replay is blocked.
	ReplayBatchLimit int `json:"replay_batch_limit,omitempty" validate:"omitempty,min=0"`

	// DBMaxOpenConns limits open database connections.
	// If set to 1, all database access is serialized.
	// 0 means use sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" validate:"omitempty,min=0"`

	// DBMaxIdleConns limits idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" validate:"omitempty,min=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultPin:            "_default",
		QueryMaxResults:       10000,
		QueryMaxRelationDepth: 3,
		WorkerPoolSize:        8,
	}
}

// Load loads configuration from baseDir/config.json, merged over defaults.
// Returns defaults if the file doesn't exist. The baseDir parameter allows
// tests to use t.TempDir() instead of ~/.driftlock.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	merged := Merge(DefaultConfig(), cfg)
	if err := Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Merge combines base and overlay configs. Overlay values take precedence
// for non-zero scalars.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.DefaultPin = overlay.DefaultPin
	if result.DefaultPin == "" {
		result.DefaultPin = base.DefaultPin
	}

	result.QueryMaxResults = overlay.QueryMaxResults
	if result.QueryMaxResults == 0 {
		result.QueryMaxResults = base.QueryMaxResults
	}

	result.QueryMaxRelationDepth = overlay.QueryMaxRelationDepth
	if result.QueryMaxRelationDepth == 0 {
		result.QueryMaxRelationDepth = base.QueryMaxRelationDepth
	}

	result.WorkerPoolSize = overlay.WorkerPoolSize
	if result.WorkerPoolSize == 0 {
		result.WorkerPoolSize = base.WorkerPoolSize
	}

	result.ReplayBatchLimit = overlay.ReplayBatchLimit
	if result.ReplayBatchLimit == 0 {
		result.ReplayBatchLimit = base.ReplayBatchLimit
	}

	result.DBMaxOpenConns = overlay.DBMaxOpenConns
	if result.DBMaxOpenConns == 0 {
		result.DBMaxOpenConns = base.DBMaxOpenConns
	}

	result.DBMaxIdleConns = overlay.DBMaxIdleConns
	if result.DBMaxIdleConns == 0 {
		result.DBMaxIdleConns = base.DBMaxIdleConns
	}

	return result
}

// Validate checks config invariants via struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// InstallationID returns the stable per-install identifier, creating and
// persisting one on first call. It travels with eventually-queued commands
// so the backend can attribute replayed writes to this device.
func InstallationID(baseDir string) (string, error) {
	idPath := filepath.Join(baseDir, "installation")

	data, err := os.ReadFile(idPath)
	if err == nil && len(data) > 0 {
		id, parseErr := uuid.ParseBytes(data)
		if parseErr == nil {
			return id.String(), nil
		}
		// Corrupt file: fall through and mint a fresh one.
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}
