// Package config defines the run configuration for a single store.
//
// Every component receives a *Config explicitly; there is no process-wide
// state. The configuration carries the tracked root directory, the derived
// store paths, and the tunables of the merge pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// StoreDirName is the hidden store subdirectory under the tracked root.
	StoreDirName = ".lensdb"

	// CatalogFileName is the metadata store file.
	CatalogFileName = "catalog.yaml"

	// MasterFileName is the master columnar data file.
	MasterFileName = "master.parquet"

	// UpdateLockName is the exclusive update-lock marker.
	UpdateLockName = "update.lock"

	// shardFileFormat names pending shard files by exposure id.
	shardFileFormat = "exp%d.parquet"
)

// Config represents the complete run configuration for one store.
type Config struct {
	// RootDir is the tracked directory containing the exposure source files.
	RootDir string `yaml:"root_dir"`

	// MaxUnits caps the candidate set of one update to the first N
	// exposure ids after sorting. Zero means unlimited.
	MaxUnits int `yaml:"max_units"`

	// Merge configures the batch-merge pipeline.
	Merge MergeConfig `yaml:"merge"`

	// Compression configures Parquet compression for shards and master.
	Compression CompressionConfig `yaml:"compression"`

	// Lock configures lock-file handling.
	Lock LockConfig `yaml:"lock"`
}

// MergeConfig configures the batch-merge pipeline.
type MergeConfig struct {
	// BatchCap is the soft cap on shards per merge batch.
	BatchCap int `yaml:"batch_cap"`

	// FinalBatchFactor lets the last batch grow to BatchCap*factor
	// instead of leaving a tiny trailing batch.
	FinalBatchFactor float64 `yaml:"final_batch_factor"`

	// Workers is the number of parallel shard writers during processing.
	Workers int `yaml:"workers"`

	// ReadChunk is the number of rows streamed per read during merge
	// and reindex passes.
	ReadChunk int `yaml:"read_chunk"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// LockConfig configures lock-file handling.
type LockConfig struct {
	// StaleAge is the age past which a lock file is presumed abandoned
	// and reclaimed.
	StaleAge time.Duration `yaml:"stale_age"`
}

// Default returns a configuration with sensible defaults for the given
// tracked root directory.
func Default(rootDir string) *Config {
	return &Config{
		RootDir: rootDir,
		Merge: MergeConfig{
			BatchCap:         100,
			FinalBatchFactor: 1.5,
			Workers:          4,
			ReadChunk:        64 * 1024,
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Level:     3,
		},
		Lock: LockConfig{
			StaleAge: 7 * 24 * time.Hour,
		},
	}
}

// Load loads configuration from a YAML file, applying defaults for
// unset fields.
func Load(path, rootDir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default(rootDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.RootDir == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	if c.MaxUnits < 0 {
		errs = append(errs, errors.New("max_units must not be negative"))
	}
	if c.Merge.BatchCap <= 0 {
		errs = append(errs, errors.New("merge.batch_cap must be positive"))
	}
	if c.Merge.FinalBatchFactor < 1.0 {
		errs = append(errs, errors.New("merge.final_batch_factor must be >= 1.0"))
	}
	if c.Merge.Workers <= 0 {
		errs = append(errs, errors.New("merge.workers must be positive"))
	}
	if c.Merge.ReadChunk <= 0 {
		errs = append(errs, errors.New("merge.read_chunk must be positive"))
	}
	if c.Lock.StaleAge <= 0 {
		errs = append(errs, errors.New("lock.stale_age must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StoreDir returns the hidden store directory under the tracked root.
func (c *Config) StoreDir() string {
	return filepath.Join(c.RootDir, StoreDirName)
}

// CatalogPath returns the path of the metadata store file.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.StoreDir(), CatalogFileName)
}

// MasterPath returns the path of the master columnar data file.
func (c *Config) MasterPath() string {
	return filepath.Join(c.StoreDir(), MasterFileName)
}

// MasterTempPath returns the transient replacement file used while
// rewriting the master store.
func (c *Config) MasterTempPath() string {
	return c.MasterPath() + ".tmp"
}

// UpdateLockPath returns the path of the exclusive update-lock marker.
func (c *Config) UpdateLockPath() string {
	return filepath.Join(c.StoreDir(), UpdateLockName)
}

// ShardPath returns the pending shard file path for an exposure id.
func (c *Config) ShardPath(id int64) string {
	return filepath.Join(c.StoreDir(), fmt.Sprintf(shardFileFormat, id))
}

// StoreExists reports whether the store directory is present.
func (c *Config) StoreExists() bool {
	info, err := os.Stat(c.StoreDir())
	return err == nil && info.IsDir()
}
