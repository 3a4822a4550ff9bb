// Package merge orchestrates one update invocation: scan the source
// directory, diff against the catalog, process new and outdated units
// into shards, batch-merge shards into the master store, and reindex
// the object catalog.
//
// Crash safety: the master store is only ever replaced by renaming a
// fully-written temp file over it, and a batch's shard files are deleted
// only after the rename succeeds. A crash before the rename leaves the
// shards intact for retry; a crash after the rename leaves orphan shards
// that the next run picks up as leftover input.
package merge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/lensdb/internal/catalog"
	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/scanner"
	"github.com/xtxerr/lensdb/internal/shard"
)

// State is the engine's position in one update invocation.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateDiffing
	StateProcessing
	StateBatchMerging
	StateReindexing
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDiffing:
		return "diffing"
	case StateProcessing:
		return "processing"
	case StateBatchMerging:
		return "batch-merging"
	case StateReindexing:
		return "reindexing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes one update invocation.
type Result struct {
	// Found is the number of exposure units in the source directory.
	Found int

	// New, Outdated and Unchanged classify the found units.
	New       int
	Outdated  int
	Unchanged int

	// Leftover is the number of pending shards recovered from a
	// previous interrupted run.
	Leftover int

	// Processed is the number of shards written during this run.
	Processed int

	// Skipped is the number of units rejected by validation.
	Skipped int

	// MergedShards and MergedBatches count the batch-merge work.
	MergedShards  int
	MergedBatches int

	// Canceled reports a graceful operator cancellation during
	// processing. Partial progress was still merged.
	Canceled bool
}

// UpToDate reports whether the run found nothing to do.
func (r *Result) UpToDate() bool {
	return r.New == 0 && r.Outdated == 0 && r.Leftover == 0
}

// Engine runs update invocations against one store.
type Engine struct {
	cfg    *config.Config
	cat    *catalog.Catalog
	writer *shard.Writer
	log    *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a merge engine over an open catalog. The caller holds the
// update-lock for the engine's whole run.
func New(cfg *config.Config, cat *catalog.Catalog) *Engine {
	return &Engine{
		cfg:    cfg,
		cat:    cat,
		writer: shard.NewWriter(cfg),
		log:    logging.Component("merge"),
		state:  StateIdle,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.log.Debug("state transition", "state", s.String())
}

// Run performs one update invocation. Cancelling ctx during processing
// stops consuming further units but still merges the shards already
// written; cancellation is not an error. Any failure during batch
// merging leaves the store at the last fully-completed batch.
func (e *Engine) Run(ctx context.Context) (result *Result, err error) {
	defer func() {
		if err != nil {
			e.setState(StateFailed)
		} else {
			e.setState(StateIdle)
		}
	}()

	result = &Result{}

	// SCANNING
	e.setState(StateScanning)
	units, err := scanner.Scan(e.cfg.RootDir, e.cfg.MaxUnits)
	if err != nil {
		return nil, errors.NewIO("scan source directory", err)
	}
	result.Found = len(units)

	// DIFFING
	e.setState(StateDiffing)
	diff := e.cat.Diff(units)
	result.New = len(diff.New)
	result.Outdated = len(diff.Outdated)
	result.Unchanged = len(diff.Unchanged)

	pending, err := shard.Pending(e.cfg)
	if err != nil {
		return nil, err
	}

	// Leftover shards from an interrupted run are merge input even when
	// their source is now unchanged. Ids about to be reprocessed are not
	// leftovers; their shards get overwritten.
	toProcess := append(append([]int64{}, diff.New...), diff.Outdated...)
	processSet := idSet(toProcess)
	var leftover []int64
	for _, id := range pending {
		if _, ok := processSet[id]; !ok {
			leftover = append(leftover, id)
		}
	}
	result.Leftover = len(leftover)

	e.log.Info("diff complete",
		"found", result.Found, "new", result.New,
		"outdated", result.Outdated, "leftover", result.Leftover)

	// PROCESSING
	e.setState(StateProcessing)
	processed, skipped, canceled, err := e.process(ctx, toProcess, units)
	if err != nil {
		return nil, err
	}
	result.Processed = len(processed)
	result.Skipped = skipped
	result.Canceled = canceled
	if canceled {
		e.log.Warn("processing interrupted, merging shards written so far")
	}

	// BATCH_MERGING
	e.setState(StateBatchMerging)
	mergeIDs := append(append([]int64{}, processed...), leftover...)
	sortIDs(mergeIDs)

	if len(mergeIDs) > 0 {
		// Any row already merged for an id that is about to be merged
		// again must go first: outdated ids get replaced, and ids
		// re-merged after a crash between a batch rename and the final
		// catalog commit must not end up duplicated.
		if err := e.compact(mergeIDs); err != nil {
			return nil, err
		}
		batches := batchRanges(len(mergeIDs), e.cfg.Merge.BatchCap, e.cfg.Merge.FinalBatchFactor)
		for _, b := range batches {
			if err := e.mergeBatch(mergeIDs[b[0]:b[1]]); err != nil {
				return nil, err
			}
			result.MergedBatches++
			result.MergedShards += b[1] - b[0]
			e.log.Info("batch merged", "shards", b[1]-b[0],
				"batch", result.MergedBatches, "of", len(batches))
		}
	}

	// REINDEXING
	e.setState(StateReindexing)
	if err := e.reindex(); err != nil {
		return nil, err
	}

	// Final commit: persist entries, counts and the object catalog.
	if err := e.cat.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

// process runs the shard writer over every id, parallelized across a
// bounded worker group. Validation failures skip the offending unit
// only. Returns the successfully processed ids in ascending order.
func (e *Engine) process(ctx context.Context, ids []int64, units map[int64]scanner.ExposureUnit) (processed []int64, skipped int, canceled bool, err error) {
	if len(ids) == 0 {
		return nil, 0, false, nil
	}
	sortIDs(ids)

	var (
		mu      sync.Mutex
		entries = make(map[int64]catalog.Entry, len(ids))
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Merge.Workers)

	for _, id := range ids {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		unit := units[id]
		g.Go(func() error {
			res, perr := e.writer.Process(unit)
			if perr != nil {
				if errors.IsValidation(perr) {
					e.log.Warn("unit rejected", "expnum", unit.ID, "error", perr)
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				return perr
			}
			mu.Lock()
			entries[unit.ID] = catalog.NewEntry(res.Meta, res.LastModified)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, false, err
	}

	for _, id := range ids {
		entry, ok := entries[id]
		if !ok {
			continue
		}
		e.cat.UpsertEntry(entry)
		processed = append(processed, id)
	}
	return processed, skipped, canceled, nil
}

// compact rewrites the master store once, excluding every row whose
// exposure id is in the purge set, via temp file and rename. A missing
// master or an empty purge set is a no-op, and so is a purge set with
// no rows in the master: a read-only scan decides that before the
// rewrite, so an update of brand-new exposures never pays for one.
func (e *Engine) compact(purge []int64) error {
	if len(purge) == 0 {
		return nil
	}
	if _, err := os.Stat(e.cfg.MasterPath()); os.IsNotExist(err) {
		return nil
	}

	drop := idSet(purge)

	found, err := e.anyRows(drop)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	w, err := shard.CreateFileWriter(e.cfg.MasterTempPath(), e.cfg.Compression.Algorithm)
	if err != nil {
		return err
	}

	r, err := shard.OpenReader(e.cfg.MasterPath())
	if err != nil {
		w.Close()
		os.Remove(e.cfg.MasterTempPath())
		return err
	}

	buf := make([]shard.Detection, e.cfg.Merge.ReadChunk)
	keep := make([]shard.Detection, 0, e.cfg.Merge.ReadChunk)
	for {
		n, rerr := r.Read(buf)
		keep = keep[:0]
		for _, det := range buf[:n] {
			if _, ok := drop[det.ExpNum]; !ok {
				keep = append(keep, det)
			}
		}
		if werr := w.Write(keep); werr != nil {
			r.Close()
			w.Close()
			os.Remove(e.cfg.MasterTempPath())
			return werr
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			r.Close()
			w.Close()
			os.Remove(e.cfg.MasterTempPath())
			return errors.NewIO("read master store", rerr)
		}
	}
	r.Close()

	if err := w.Close(); err != nil {
		os.Remove(e.cfg.MasterTempPath())
		return err
	}
	if err := os.Rename(e.cfg.MasterTempPath(), e.cfg.MasterPath()); err != nil {
		os.Remove(e.cfg.MasterTempPath())
		return errors.NewIO("replace master store", err)
	}

	e.log.Info("compaction pass complete", "purged_ids", len(purge))
	return nil
}

// anyRows reports whether the master store holds any row with an
// exposure id in the given set.
func (e *Engine) anyRows(ids map[int64]struct{}) (bool, error) {
	r, err := shard.OpenReader(e.cfg.MasterPath())
	if err != nil {
		return false, err
	}
	defer r.Close()

	buf := make([]shard.Detection, e.cfg.Merge.ReadChunk)
	for {
		n, rerr := r.Read(buf)
		for _, det := range buf[:n] {
			if _, ok := ids[det.ExpNum]; ok {
				return true, nil
			}
		}
		if rerr == io.EOF {
			return false, nil
		}
		if rerr != nil {
			return false, errors.NewIO("read master store", rerr)
		}
	}
}

// mergeBatch concatenates the batch's shards and the current master
// store into a new temp file, atomically replaces the master, and only
// then deletes the batch's shard files.
func (e *Engine) mergeBatch(ids []int64) error {
	w, err := shard.CreateFileWriter(e.cfg.MasterTempPath(), e.cfg.Compression.Algorithm)
	if err != nil {
		return err
	}

	fail := func(ferr error) error {
		w.Close()
		os.Remove(e.cfg.MasterTempPath())
		return ferr
	}

	for _, id := range ids {
		if err := e.copyInto(w, e.cfg.ShardPath(id)); err != nil {
			return fail(err)
		}
	}

	if _, err := os.Stat(e.cfg.MasterPath()); err == nil {
		if err := e.copyInto(w, e.cfg.MasterPath()); err != nil {
			return fail(err)
		}
	}

	if err := w.Close(); err != nil {
		os.Remove(e.cfg.MasterTempPath())
		return err
	}
	if err := os.Rename(e.cfg.MasterTempPath(), e.cfg.MasterPath()); err != nil {
		os.Remove(e.cfg.MasterTempPath())
		return errors.NewIO("replace master store", err)
	}

	// Shards are merge input until the rename lands; delete only after.
	for _, id := range ids {
		if err := os.Remove(e.cfg.ShardPath(id)); err != nil {
			e.log.Warn("orphan shard left behind", "expnum", id, "error", err)
		}
	}
	return nil
}

// copyInto streams every detection row of a Parquet file into w.
func (e *Engine) copyInto(w *shard.FileWriter, path string) error {
	r, err := shard.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]shard.Detection, e.cfg.Merge.ReadChunk)
	for {
		n, rerr := r.Read(buf)
		if werr := w.Write(buf[:n]); werr != nil {
			return werr
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.NewIO("read shard rows", rerr)
		}
	}
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// batchRanges splits n shards into half-open index ranges of batchCap
// items, letting the final range grow to batchCap*factor instead of
// leaving a tiny trailing batch.
func batchRanges(n, batchCap int, factor float64) [][2]int {
	capMax := int(float64(batchCap) * factor)

	var ranges [][2]int
	b := 0
	for b < n {
		a := b
		if n-b <= capMax {
			b += capMax
		} else {
			b += batchCap
		}
		if b > n {
			b = n
		}
		ranges = append(ranges, [2]int{a, b})
	}
	return ranges
}
