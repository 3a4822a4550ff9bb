package merge

import (
	"github.com/xtxerr/lensdb/internal/indexer"
)

// reindex recomputes the derived object catalog from the master store
// and installs it in the working catalog in one shot.
func (e *Engine) reindex() error {
	objects, mags, err := indexer.Reindex(e.cfg.MasterPath(), e.cfg.Merge.ReadChunk)
	if err != nil {
		return err
	}
	e.cat.SetObjects(objects, mags)
	e.log.Info("object catalog recomputed", "objects", len(objects))
	return nil
}
