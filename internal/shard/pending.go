package shard

import (
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
)

var pendingRe = regexp.MustCompile(`^exp(\d+)\.parquet$`)

// Pending lists the exposure ids of shard files left in the store
// directory, in ascending order. Shards are deleted after a successful
// batch merge, so anything found here is leftover work from a previous
// interrupted run.
func Pending(cfg *config.Config) ([]int64, error) {
	entries, err := os.ReadDir(cfg.StoreDir())
	if err != nil {
		return nil, errors.NewIO("list store directory", err)
	}

	var ids []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := pendingRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
