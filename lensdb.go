// Package lensdb incrementally builds and maintains a columnar store of
// per-object astronomical measurements ingested from per-exposure source
// files on disk.
//
// A store lives in a hidden .lensdb directory under the tracked root. It
// holds a YAML metadata catalog, a single master Parquet file with every
// merged detection row, pending shard files from interrupted updates,
// and lock markers coordinating updaters and readers across processes.
//
// The public surface is five operations: Init, Update, Status, Reset and
// Open. Everything else is internal.
package lensdb

import (
	"context"
	"os"
	"time"

	"github.com/xtxerr/lensdb/internal/catalog"
	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/lock"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/merge"
	"github.com/xtxerr/lensdb/internal/shard"
)

// Version is the tool version persisted into new stores. Set at build
// time via ldflags. Stores written by a newer version are rejected;
// older stores are accepted.
var Version = "1.0.0"

// Config re-exports the run configuration so embedding callers need not
// import internal packages.
type Config = config.Config

// DefaultConfig returns the default configuration for a tracked root
// directory.
func DefaultConfig(rootDir string) *Config {
	return config.Default(rootDir)
}

// LoadConfig loads a YAML configuration file, applying defaults for
// unset fields.
func LoadConfig(path, rootDir string) (*Config, error) {
	return config.Load(path, rootDir)
}

// UpdateResult summarizes one update invocation.
type UpdateResult struct {
	Found     int
	New       int
	Outdated  int
	Unchanged int
	Leftover  int
	Processed int
	Skipped   int

	MergedShards  int
	MergedBatches int

	// Canceled reports graceful operator cancellation during
	// processing; the shards written before it were still merged.
	Canceled bool
}

// UpToDate reports whether the update found nothing to do.
func (r *UpdateResult) UpToDate() bool {
	return r.New == 0 && r.Outdated == 0 && r.Leftover == 0
}

// Init creates a new store under rootDir and runs a first update. It
// fails with an already-exists error when a store is present.
func Init(ctx context.Context, cfg *Config) (*UpdateResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StoreExists() {
		return nil, errors.NewAlreadyExists(cfg.RootDir)
	}
	if _, err := os.Stat(cfg.RootDir); err != nil {
		return nil, errors.NewIO("stat root directory", err)
	}

	logging.Component("store").Info("initializing store", "dir", cfg.RootDir)
	if err := os.Mkdir(cfg.StoreDir(), 0o755); err != nil {
		return nil, errors.NewIO("create store directory", err)
	}

	return update(ctx, cfg)
}

// Update scans the source directory, processes new and outdated
// exposure units plus any shards left over from an interrupted run, and
// merges them into the master store. It fails with a not-found error
// when no store exists and a conflict error when any lock is held.
func Update(ctx context.Context, cfg *Config) (*UpdateResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.StoreExists() {
		return nil, errors.NewNotFound(cfg.RootDir)
	}
	return update(ctx, cfg)
}

// update runs one lock-scoped update invocation.
func update(ctx context.Context, cfg *Config) (*UpdateResult, error) {
	lm := lock.NewManager(cfg)
	release, err := lm.AcquireUpdate()
	if err != nil {
		return nil, err
	}
	defer release()

	cat, err := catalog.OpenOrCreate(cfg, Version)
	if err != nil {
		return nil, err
	}

	res, err := merge.New(cfg, cat).Run(ctx)
	if err != nil {
		return nil, err
	}

	return &UpdateResult{
		Found:         res.Found,
		New:           res.New,
		Outdated:      res.Outdated,
		Unchanged:     res.Unchanged,
		Leftover:      res.Leftover,
		Processed:     res.Processed,
		Skipped:       res.Skipped,
		MergedShards:  res.MergedShards,
		MergedBatches: res.MergedBatches,
		Canceled:      res.Canceled,
	}, nil
}

// Reset deletes the entire store and reinitializes it from the source
// directory. It fails with a not-found error when no store exists and a
// conflict error when any lock file is present.
func Reset(ctx context.Context, cfg *Config) (*UpdateResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.StoreExists() {
		return nil, errors.NewNotFound(cfg.RootDir)
	}

	lm := lock.NewManager(cfg)
	if err := lm.ReclaimStale(); err != nil {
		return nil, err
	}
	locks, err := lm.List()
	if err != nil {
		return nil, err
	}
	if len(locks) > 0 {
		return nil, errors.NewConflict(cfg.StoreDir(), locks[0])
	}

	logging.Component("store").Warn("resetting store", "dir", cfg.RootDir)
	if err := os.RemoveAll(cfg.StoreDir()); err != nil {
		return nil, errors.NewIO("remove store directory", err)
	}

	return Init(ctx, cfg)
}

// MagnitudeSummary is the distribution summary of the magnitude column
// across the master store.
type MagnitudeSummary struct {
	Count int64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P99   float64
}

// ObjectCount is one entry of the derived object catalog.
type ObjectCount struct {
	ObjID int64
	Count int64
}

// Status describes the current state of a store.
type Status struct {
	RootDir  string
	StoreDir string
	Exists   bool

	// Version is the stored schema/tool version tag.
	Version string

	// MasterSize is the master store file size in bytes; zero when no
	// master exists yet.
	MasterSize int64

	// LastUpdated is the master store's modification time.
	LastUpdated time.Time

	Exposures     int
	Objects       int
	PendingShards int

	// Magnitudes is nil before the first reindex.
	Magnitudes *MagnitudeSummary
}

// GetStatus reports the state of the store under rootDir. It works with
// or without an existing store and takes no locks; readers never block
// the status check.
func GetStatus(cfg *Config) (*Status, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := &Status{
		RootDir:  cfg.RootDir,
		StoreDir: cfg.StoreDir(),
		Exists:   cfg.StoreExists(),
	}
	if !st.Exists {
		return st, nil
	}

	cat, err := catalog.OpenOrCreate(cfg, Version)
	if err != nil {
		return nil, err
	}
	st.Version = cat.Version()
	st.Exposures = cat.NumExposures()
	st.Objects = cat.NumObjects()
	if mags := cat.Magnitudes(); mags != nil {
		st.Magnitudes = &MagnitudeSummary{
			Count: mags.Count,
			Min:   mags.Min,
			Max:   mags.Max,
			P50:   mags.P50,
			P90:   mags.P90,
			P99:   mags.P99,
		}
	}

	if info, err := os.Stat(cfg.MasterPath()); err == nil {
		st.MasterSize = info.Size()
		st.LastUpdated = info.ModTime()
	}

	pending, err := shard.Pending(cfg)
	if err != nil {
		return nil, err
	}
	st.PendingShards = len(pending)

	return st, nil
}
