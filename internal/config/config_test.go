package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default("/data/field42")

	if cfg.RootDir != "/data/field42" {
		t.Errorf("root dir: %s", cfg.RootDir)
	}
	if cfg.MaxUnits != 0 {
		t.Errorf("max units should default to unlimited, got %d", cfg.MaxUnits)
	}
	if cfg.Merge.BatchCap != 100 {
		t.Errorf("batch cap: %d", cfg.Merge.BatchCap)
	}
	if cfg.Merge.FinalBatchFactor != 1.5 {
		t.Errorf("final batch factor: %f", cfg.Merge.FinalBatchFactor)
	}
	if cfg.Lock.StaleAge != 7*24*time.Hour {
		t.Errorf("stale age: %v", cfg.Lock.StaleAge)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default("/data/field42")
	cfg.MaxUnits = -1
	cfg.Merge.BatchCap = 0
	cfg.Merge.FinalBatchFactor = 0.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lensdb.yaml")
	data := []byte("merge:\n  batch_cap: 25\ncompression:\n  algorithm: snappy\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Merge.BatchCap != 25 {
		t.Errorf("batch cap not applied: %d", cfg.Merge.BatchCap)
	}
	if cfg.Compression.Algorithm != "snappy" {
		t.Errorf("compression not applied: %s", cfg.Compression.Algorithm)
	}
	// Unset fields keep their defaults.
	if cfg.Merge.Workers != 4 {
		t.Errorf("workers default lost: %d", cfg.Merge.Workers)
	}
}

func TestPaths(t *testing.T) {
	cfg := Default("/data/field42")
	store := filepath.Join("/data/field42", StoreDirName)

	if cfg.StoreDir() != store {
		t.Errorf("store dir: %s", cfg.StoreDir())
	}
	if cfg.CatalogPath() != filepath.Join(store, CatalogFileName) {
		t.Errorf("catalog path: %s", cfg.CatalogPath())
	}
	if cfg.MasterPath() != filepath.Join(store, MasterFileName) {
		t.Errorf("master path: %s", cfg.MasterPath())
	}
	if cfg.ShardPath(17) != filepath.Join(store, "exp17.parquet") {
		t.Errorf("shard path: %s", cfg.ShardPath(17))
	}
}
