// Package scanner discovers exposure units in a source directory.
//
// An exposure unit is a primary file Exp<N>.csv paired with a companion
// Exp<N>_xtr.csv (or Exp<N>_epochs.csv) sharing the same base name. Units
// missing either file, and names that do not match the pattern, are
// silently excluded. Exp0.csv is the flat exposure and is never a unit.
package scanner

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/xtxerr/lensdb/internal/logging"
)

// ExposureUnit is one candidate exposure: the paired primary and
// companion source files, identified by an integer id. Derived fresh on
// every scan; never persisted.
type ExposureUnit struct {
	ID            int64
	PrimaryPath   string
	CompanionPath string
	LastModified  time.Time
}

var (
	primaryRe   = regexp.MustCompile(`^Exp(\d+)\.csv$`)
	companionRe = regexp.MustCompile(`^Exp(\d+)_(xtr|epochs)\.csv$`)
)

// Scan lists dir non-recursively and pairs primary and companion files
// into exposure units. When maxUnits > 0 the result is capped to the
// first maxUnits ids in ascending order, bounding one update's batch
// size. Scan is a pure function of the directory snapshot; it is not
// atomic with respect to further filesystem mutation.
func Scan(dir string, maxUnits int) (map[int64]ExposureUnit, error) {
	log := logging.Component("scanner")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	primaries := make(map[int64]string)
	companions := make(map[int64]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if m := primaryRe.FindStringSubmatch(name); m != nil {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || id == 0 {
				continue
			}
			primaries[id] = name
			continue
		}
		if m := companionRe.FindStringSubmatch(name); m != nil {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || id == 0 {
				continue
			}
			// The xtr form wins when both companions are present.
			if _, ok := companions[id]; !ok || m[2] == "xtr" {
				companions[id] = name
			}
			continue
		}
	}

	ids := make([]int64, 0, len(primaries))
	for id := range primaries {
		if _, ok := companions[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if maxUnits > 0 && len(ids) > maxUnits {
		ids = ids[:maxUnits]
	}

	units := make(map[int64]ExposureUnit, len(ids))
	for _, id := range ids {
		primary := filepath.Join(dir, primaries[id])
		info, err := os.Stat(primary)
		if err != nil {
			// Deleted between listing and stat; best-effort, skip.
			log.Warn("primary file vanished during scan", "path", primary)
			continue
		}
		units[id] = ExposureUnit{
			ID:            id,
			PrimaryPath:   primary,
			CompanionPath: filepath.Join(dir, companions[id]),
			LastModified:  info.ModTime(),
		}
	}

	log.Debug("scan complete", "dir", dir, "units", len(units))
	return units, nil
}
