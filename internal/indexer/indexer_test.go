package indexer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/lensdb/internal/shard"
)

func writeMaster(t *testing.T, path string, rows []shard.Detection) {
	t.Helper()
	w, err := shard.CreateFileWriter(path, "zstd")
	if err != nil {
		t.Fatalf("CreateFileWriter: %v", err)
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReindex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.parquet")
	writeMaster(t, path, []shard.Detection{
		{ObjID: 1002, Mag: 19.7, ExpNum: 5},
		{ObjID: 1001, Mag: 18.2, ExpNum: 5},
		{ObjID: 1001, Mag: 18.3, ExpNum: 7},
		{ObjID: 1001, Mag: 18.1, ExpNum: 9},
		{ObjID: 1003, Mag: 21.0, ExpNum: 9},
	})

	objects, mags, err := Reindex(path, 2)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	if len(objects) != 3 {
		t.Fatalf("expected 3 objects, got %v", objects)
	}
	if objects[0].ObjID != 1001 || objects[0].Count != 3 {
		t.Errorf("object 0: %+v", objects[0])
	}
	if objects[1].ObjID != 1002 || objects[1].Count != 1 {
		t.Errorf("object 1: %+v", objects[1])
	}
	if objects[2].ObjID != 1003 || objects[2].Count != 1 {
		t.Errorf("object 2: %+v", objects[2])
	}

	if mags == nil {
		t.Fatal("expected a magnitude summary")
	}
	if mags.Count != 5 {
		t.Errorf("count: %d", mags.Count)
	}
	if mags.Min != 18.1 || mags.Max != 21.0 {
		t.Errorf("min/max: %f/%f", mags.Min, mags.Max)
	}
	// Sketch quantiles are approximate (1% relative accuracy).
	if rel(mags.P50, 18.3) > 0.02 {
		t.Errorf("p50: %f", mags.P50)
	}
	if rel(mags.P99, 21.0) > 0.02 {
		t.Errorf("p99: %f", mags.P99)
	}
}

func rel(got, want float64) float64 {
	return math.Abs(got-want) / want
}

func TestReindex_MissingMaster(t *testing.T) {
	objects, mags, err := Reindex(filepath.Join(t.TempDir(), "master.parquet"), 16)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if objects != nil || mags != nil {
		t.Errorf("missing master must yield an empty catalog, got %v %v", objects, mags)
	}
}

func TestReindex_EmptyMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.parquet")
	writeMaster(t, path, nil)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}

	objects, mags, err := Reindex(path, 16)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("objects: %v", objects)
	}
	if mags != nil {
		t.Errorf("summary must be nil for an empty master, got %+v", mags)
	}
}
