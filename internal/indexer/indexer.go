// Package indexer recomputes the derived object catalog from the master
// store. It is a pure function over master content: it knows nothing
// about exposure-level bookkeeping and is invoked only after a merge.
//
// The full recompute is cheap relative to the merge itself and avoids
// the drift bugs of incrementally maintained aggregates.
package indexer

import (
	"io"
	"math"
	"os"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/lensdb/internal/catalog"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/shard"
)

// sketchAccuracy is the relative accuracy of the magnitude quantile
// sketch (1% error).
const sketchAccuracy = 0.01

// Reindex scans the master store's object-id column and returns the
// complete object catalog: one entry per unique object id with its
// occurrence count, sorted by id, plus a distribution summary of the
// magnitude column. A missing master store yields an empty catalog.
func Reindex(masterPath string, readChunk int) ([]catalog.ObjectEntry, *catalog.MagnitudeSummary, error) {
	log := logging.Component("indexer")

	if _, err := os.Stat(masterPath); os.IsNotExist(err) {
		return nil, nil, nil
	}

	reader, err := shard.OpenReader(masterPath)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil, nil, errors.NewIO("create magnitude sketch", err)
	}

	counts := make(map[int64]int64)
	summary := &catalog.MagnitudeSummary{
		Min: math.MaxFloat64,
		Max: -math.MaxFloat64,
	}

	rows := make([]shard.Detection, readChunk)
	for {
		n, err := reader.Read(rows)
		for _, det := range rows[:n] {
			counts[det.ObjID]++
			summary.Count++
			if det.Mag < summary.Min {
				summary.Min = det.Mag
			}
			if det.Mag > summary.Max {
				summary.Max = det.Mag
			}
			sketch.Add(det.Mag)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.NewIO("scan master store", err)
		}
	}

	objects := make([]catalog.ObjectEntry, 0, len(counts))
	for id, count := range counts {
		objects = append(objects, catalog.ObjectEntry{ObjID: id, Count: count})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ObjID < objects[j].ObjID })

	if summary.Count == 0 {
		summary = nil
	} else {
		if p, err := sketch.GetValueAtQuantile(0.50); err == nil {
			summary.P50 = p
		}
		if p, err := sketch.GetValueAtQuantile(0.90); err == nil {
			summary.P90 = p
		}
		if p, err := sketch.GetValueAtQuantile(0.99); err == nil {
			summary.P99 = p
		}
	}

	log.Debug("reindex complete", "objects", len(objects))
	return objects, summary, nil
}
