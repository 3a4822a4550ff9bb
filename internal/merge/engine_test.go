package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/lensdb/internal/catalog"
	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/shard"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Merge.Workers = 2
	cfg.Merge.ReadChunk = 4
	if err := os.Mkdir(cfg.StoreDir(), 0o755); err != nil {
		t.Fatalf("mkdir store: %v", err)
	}
	return cfg
}

func detLine(objID int64, mag float64, expNum int64) string {
	return fmt.Sprintf("%d,2450123.5,210.15,-54.32,%.3f,0.021,1,0,3,101.5,202.5,0,0,1200.0,0.05,%d",
		objID, mag, expNum)
}

// writeExposure writes the primary and companion CSV pair for one
// exposure id, one detection row per object id.
func writeExposure(t *testing.T, dir string, id int64, objIDs ...int64) {
	t.Helper()

	var sb strings.Builder
	for i, obj := range objIDs {
		sb.WriteString(detLine(obj, 18.0+float64(i)*0.1, id))
		sb.WriteByte('\n')
	}
	primary := filepath.Join(dir, fmt.Sprintf("Exp%d.csv", id))
	if err := os.WriteFile(primary, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}

	companion := fmt.Sprintf("%d,2450123.5,1.1,2.2,3.3,4.4,R,Exp%d.fits\n", id, id)
	path := filepath.Join(dir, fmt.Sprintf("Exp%d_xtr.csv", id))
	if err := os.WriteFile(path, []byte(companion), 0o644); err != nil {
		t.Fatalf("write companion: %v", err)
	}
}

// touchNewer bumps the primary's mtime past any stored state.
func touchNewer(t *testing.T, dir string, id int64) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	path := filepath.Join(dir, fmt.Sprintf("Exp%d.csv", id))
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// runUpdate opens a fresh catalog and runs one engine invocation, the
// way one update command does.
func runUpdate(t *testing.T, ctx context.Context, cfg *config.Config) *Result {
	t.Helper()
	cat, err := catalog.OpenOrCreate(cfg, "1.0.0")
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	res, err := New(cfg, cat).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// rowsByExp reads the master store and counts rows per exposure id.
func rowsByExp(t *testing.T, cfg *config.Config) map[int64]int {
	t.Helper()
	counts := make(map[int64]int)
	if _, err := os.Stat(cfg.MasterPath()); os.IsNotExist(err) {
		return counts
	}
	r, err := shard.OpenReader(cfg.MasterPath())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for _, det := range rows {
		counts[det.ExpNum]++
	}
	return counts
}

func TestRun_FirstUpdate(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001, 1002, 1001)
	writeExposure(t, cfg.RootDir, 7, 1001, 1003)

	res := runUpdate(t, context.Background(), cfg)

	if res.Found != 2 || res.New != 2 || res.Outdated != 0 {
		t.Fatalf("result: %+v", res)
	}
	if res.MergedShards != 2 || res.MergedBatches != 1 {
		t.Errorf("merge counts: %+v", res)
	}

	counts := rowsByExp(t, cfg)
	if counts[5] != 3 || counts[7] != 2 {
		t.Fatalf("master rows per exposure: %v", counts)
	}

	// Shards are gone after the merge.
	pending, err := shard.Pending(cfg)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("leftover shards after clean run: %v", pending)
	}

	// The catalog was committed with entries and the derived index.
	cat, err := catalog.OpenOrCreate(cfg, "1.0.0")
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	if cat.NumExposures() != 2 {
		t.Errorf("exposures: %d", cat.NumExposures())
	}
	if cat.NumObjects() != 3 {
		t.Errorf("objects: %d", cat.NumObjects())
	}
	if entry, ok := cat.Entry(5); !ok || entry.Filter != "R" || entry.FitsName != "Exp5.fits" {
		t.Errorf("entry 5: %+v", entry)
	}
	if cat.Magnitudes() == nil || cat.Magnitudes().Count != 5 {
		t.Errorf("magnitudes: %+v", cat.Magnitudes())
	}
}

func TestRun_Idempotent(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001)
	writeExposure(t, cfg.RootDir, 7, 1002)

	runUpdate(t, context.Background(), cfg)
	res := runUpdate(t, context.Background(), cfg)

	if !res.UpToDate() {
		t.Fatalf("second run must be a no-op: %+v", res)
	}
	if res.Unchanged != 2 || res.MergedShards != 0 {
		t.Errorf("result: %+v", res)
	}
	counts := rowsByExp(t, cfg)
	if counts[5] != 1 || counts[7] != 1 {
		t.Errorf("master rows changed on a no-op run: %v", counts)
	}
}

func TestRun_OutdatedReplacement(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001, 1002)
	writeExposure(t, cfg.RootDir, 7, 1003)

	runUpdate(t, context.Background(), cfg)

	// Exposure 5 gets re-reduced with one more detection.
	writeExposure(t, cfg.RootDir, 5, 1001, 1002, 1004)
	touchNewer(t, cfg.RootDir, 5)

	res := runUpdate(t, context.Background(), cfg)
	if res.Outdated != 1 || res.New != 0 || res.Unchanged != 1 {
		t.Fatalf("result: %+v", res)
	}

	counts := rowsByExp(t, cfg)
	if counts[5] != 3 {
		t.Errorf("exposure 5 rows not replaced: %v", counts)
	}
	if counts[7] != 1 {
		t.Errorf("exposure 7 rows disturbed: %v", counts)
	}
}

func TestRun_LeftoverShardMerged(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001)
	runUpdate(t, context.Background(), cfg)

	// A shard without source files, as left by an interrupted run whose
	// inputs were since removed.
	w, err := shard.CreateFileWriter(cfg.ShardPath(9), cfg.Compression.Algorithm)
	if err != nil {
		t.Fatalf("CreateFileWriter: %v", err)
	}
	if err := w.Write([]shard.Detection{{ObjID: 1009, Mag: 20.0, ExpNum: 9}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := runUpdate(t, context.Background(), cfg)
	if res.Leftover != 1 {
		t.Fatalf("result: %+v", res)
	}

	counts := rowsByExp(t, cfg)
	if counts[9] != 1 || counts[5] != 1 {
		t.Errorf("master rows: %v", counts)
	}
	if _, err := os.Stat(cfg.ShardPath(9)); !os.IsNotExist(err) {
		t.Error("merged shard still present")
	}
}

func TestRun_LeftoverShardDoesNotDuplicate(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001, 1002)
	runUpdate(t, context.Background(), cfg)

	// The same shard reappears, as after a crash between the batch
	// rename and the shard cleanup.
	w, err := shard.CreateFileWriter(cfg.ShardPath(5), cfg.Compression.Algorithm)
	if err != nil {
		t.Fatalf("CreateFileWriter: %v", err)
	}
	err = w.Write([]shard.Detection{
		{ObjID: 1001, Mag: 18.0, ExpNum: 5},
		{ObjID: 1002, Mag: 18.1, ExpNum: 5},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := runUpdate(t, context.Background(), cfg)
	if res.Leftover != 1 {
		t.Fatalf("result: %+v", res)
	}
	if counts := rowsByExp(t, cfg); counts[5] != 2 {
		t.Errorf("re-merged shard duplicated rows: %v", counts)
	}
}

func TestRun_LostCatalogDoesNotDuplicate(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001, 1002)
	writeExposure(t, cfg.RootDir, 7, 1003)
	runUpdate(t, context.Background(), cfg)

	// A crash between the last batch rename and the catalog commit
	// leaves merged rows with no entries; the rerun reprocesses
	// everything as new.
	if err := os.Remove(cfg.CatalogPath()); err != nil {
		t.Fatalf("remove catalog: %v", err)
	}

	res := runUpdate(t, context.Background(), cfg)
	if res.New != 2 {
		t.Fatalf("result: %+v", res)
	}
	counts := rowsByExp(t, cfg)
	if counts[5] != 2 || counts[7] != 1 {
		t.Errorf("reprocessing duplicated rows: %v", counts)
	}
}

func TestRun_ValidationSkipsUnit(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001)

	// Exposure 6's primary carries a row from the wrong exposure.
	bad := detLine(1002, 18.0, 6) + "\n" + detLine(1003, 18.1, 99) + "\n"
	if err := os.WriteFile(filepath.Join(cfg.RootDir, "Exp6.csv"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	companion := "6,2450123.5,1.1,2.2,3.3,4.4,R\n"
	if err := os.WriteFile(filepath.Join(cfg.RootDir, "Exp6_xtr.csv"), []byte(companion), 0o644); err != nil {
		t.Fatalf("write companion: %v", err)
	}

	res := runUpdate(t, context.Background(), cfg)
	if res.Skipped != 1 || res.Processed != 1 {
		t.Fatalf("result: %+v", res)
	}

	counts := rowsByExp(t, cfg)
	if counts[5] != 1 || counts[6] != 0 {
		t.Errorf("master rows: %v", counts)
	}
	cat, err := catalog.OpenOrCreate(cfg, "1.0.0")
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	if _, ok := cat.Entry(6); ok {
		t.Error("rejected unit must not gain a catalog entry")
	}
}

func TestRun_CanceledBeforeProcessing(t *testing.T) {
	cfg := newTestConfig(t)
	writeExposure(t, cfg.RootDir, 5, 1001)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := runUpdate(t, ctx, cfg)
	if !res.Canceled {
		t.Fatalf("result: %+v", res)
	}
	if res.Processed != 0 || res.MergedShards != 0 {
		t.Errorf("canceled run did work: %+v", res)
	}

	// The next run picks the unit up again.
	res = runUpdate(t, context.Background(), cfg)
	if res.Processed != 1 {
		t.Fatalf("result: %+v", res)
	}
}

func TestRun_SmallBatches(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Merge.BatchCap = 2
	cfg.Merge.FinalBatchFactor = 1.5

	for id := int64(1); id <= 7; id++ {
		writeExposure(t, cfg.RootDir, id, 1000+id)
	}

	res := runUpdate(t, context.Background(), cfg)
	if res.MergedShards != 7 {
		t.Fatalf("result: %+v", res)
	}
	// 7 shards at cap 2 with a final factor of 1.5: 2+2+3.
	if res.MergedBatches != 3 {
		t.Errorf("batches: %d", res.MergedBatches)
	}

	counts := rowsByExp(t, cfg)
	for id := int64(1); id <= 7; id++ {
		if counts[id] != 1 {
			t.Fatalf("master rows: %v", counts)
		}
	}
}

func TestBatchRanges(t *testing.T) {
	tests := []struct {
		n, batchCap int
		factor      float64
		want        [][2]int
	}{
		{0, 100, 1.5, nil},
		{1, 100, 1.5, [][2]int{{0, 1}}},
		{100, 100, 1.5, [][2]int{{0, 100}}},
		{150, 100, 1.5, [][2]int{{0, 150}}},
		{151, 100, 1.5, [][2]int{{0, 100}, {100, 151}}},
		{250, 100, 1.5, [][2]int{{0, 100}, {100, 250}}},
		{400, 100, 1.5, [][2]int{{0, 100}, {100, 200}, {200, 300}, {300, 400}}},
		{5, 2, 1.5, [][2]int{{0, 2}, {2, 5}}},
	}

	for _, tt := range tests {
		got := batchRanges(tt.n, tt.batchCap, tt.factor)
		if len(got) != len(tt.want) {
			t.Errorf("batchRanges(%d, %d, %g) = %v, want %v",
				tt.n, tt.batchCap, tt.factor, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("batchRanges(%d, %d, %g) = %v, want %v",
					tt.n, tt.batchCap, tt.factor, got, tt.want)
				break
			}
		}
	}
}
