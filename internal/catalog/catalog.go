// Package catalog implements the durable metadata store: the schema
// version tag, the known exposure entries with their source modification
// times, and the derived object catalog.
//
// The catalog is persisted as a YAML document and committed atomically
// via a temp file and rename, so a crash during commit leaves either the
// old or the new catalog, never a torn one.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/scanner"
	"github.com/xtxerr/lensdb/internal/shard"
)

// Entry is the persisted record of one merged exposure: the companion
// file's attributes plus the source modification time the currently
// merged data was produced from.
type Entry struct {
	ExpNum   int64   `yaml:"expnum"`
	HJD      float64 `yaml:"hjd"`
	SkyPC2   float64 `yaml:"skypc2"`
	SkyPC5   float64 `yaml:"skypc5"`
	SkyPC10  float64 `yaml:"skypc10"`
	SkyPC90  float64 `yaml:"skypc90"`
	Filter   string  `yaml:"filter"`
	FitsName string  `yaml:"fitsname,omitempty"`

	// LastModified is the primary source file's mtime in Unix
	// nanoseconds at the time its data was processed.
	LastModified int64 `yaml:"last_modified"`
}

// NewEntry builds an Entry from a shard result.
func NewEntry(meta shard.ExposureMeta, lastModified time.Time) Entry {
	return Entry{
		ExpNum:       meta.ExpNum,
		HJD:          meta.HJD,
		SkyPC2:       meta.SkyPC2,
		SkyPC5:       meta.SkyPC5,
		SkyPC10:      meta.SkyPC10,
		SkyPC90:      meta.SkyPC90,
		Filter:       meta.Filter,
		FitsName:     meta.FitsName,
		LastModified: lastModified.UnixNano(),
	}
}

// ObjectEntry is one row of the derived object catalog.
type ObjectEntry struct {
	ObjID int64 `yaml:"objid"`
	Count int64 `yaml:"count"`
}

// MagnitudeSummary is a full-store distribution summary of the mag
// column, recomputed on every reindex.
type MagnitudeSummary struct {
	Count int64   `yaml:"count"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	P50   float64 `yaml:"p50"`
	P90   float64 `yaml:"p90"`
	P99   float64 `yaml:"p99"`
}

// Diff classifies scanned exposure ids against the catalog.
type Diff struct {
	// New ids have no catalog entry.
	New []int64

	// Outdated ids have a source mtime newer than the stored one.
	Outdated []int64

	// Unchanged ids match their stored state and are dropped from
	// further processing.
	Unchanged []int64
}

// document is the on-disk YAML layout.
type document struct {
	Version    string            `yaml:"version"`
	Exposures  []Entry           `yaml:"exposures"`
	Objects    []ObjectEntry     `yaml:"objects"`
	Magnitudes *MagnitudeSummary `yaml:"magnitudes,omitempty"`
}

// Catalog is the in-memory working copy of the metadata store.
type Catalog struct {
	cfg *config.Config

	// version is the stored tag; toolVersion is written on commit, so
	// older stores are upgraded in place.
	version     string
	toolVersion string

	exposures []Entry
	index     map[int64]int
	objects   []ObjectEntry
	mags      *MagnitudeSummary
}

// OpenOrCreate loads the catalog file, creating an empty catalog tagged
// with the tool version when absent. Opening fails only when the stored
// version is semver-newer than toolVersion; older stored versions are
// accepted and upgraded on the next commit.
func OpenOrCreate(cfg *config.Config, toolVersion string) (*Catalog, error) {
	c := &Catalog{
		cfg:         cfg,
		version:     toolVersion,
		toolVersion: toolVersion,
		index:       make(map[int64]int),
	}

	data, err := os.ReadFile(cfg.CatalogPath())
	if os.IsNotExist(err) {
		logging.Component("catalog").Debug("creating catalog", "path", cfg.CatalogPath())
		return c, nil
	}
	if err != nil {
		return nil, errors.NewIO("read catalog", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewIO("parse catalog", err)
	}

	if err := checkVersion(doc.Version, toolVersion); err != nil {
		return nil, err
	}

	if doc.Version != "" {
		c.version = doc.Version
	}
	c.exposures = doc.Exposures
	c.objects = doc.Objects
	c.mags = doc.Magnitudes
	for i, e := range c.exposures {
		c.index[e.ExpNum] = i
	}

	return c, nil
}

// Version returns the stored schema/tool version tag.
func (c *Catalog) Version() string {
	return c.version
}

// checkVersion rejects stores written by a newer tool. Forward
// compatibility is unsupported; backward is.
func checkVersion(stored, tool string) error {
	if stored == "" {
		return nil
	}
	storedVer, err := semver.NewVersion(stored)
	if err != nil {
		return errors.NewIO("parse stored version", err)
	}
	toolVer, err := semver.NewVersion(tool)
	if err != nil {
		return errors.NewIO("parse tool version", err)
	}
	if storedVer.GreaterThan(toolVer) {
		return errors.NewVersion(stored, tool)
	}
	return nil
}

// Diff classifies scanned units against the catalog. Ids in each class
// are returned in ascending order.
func (c *Catalog) Diff(scanned map[int64]scanner.ExposureUnit) Diff {
	var d Diff

	for id, unit := range scanned {
		i, known := c.index[id]
		switch {
		case !known:
			d.New = append(d.New, id)
		case unit.LastModified.UnixNano() > c.exposures[i].LastModified:
			d.Outdated = append(d.Outdated, id)
		default:
			d.Unchanged = append(d.Unchanged, id)
		}
	}

	sortIDs(d.New)
	sortIDs(d.Outdated)
	sortIDs(d.Unchanged)
	return d
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// UpsertEntry appends the entry if its exposure id is unseen, or
// overwrites the existing entry in place.
func (c *Catalog) UpsertEntry(entry Entry) {
	if i, ok := c.index[entry.ExpNum]; ok {
		c.exposures[i] = entry
		return
	}
	c.index[entry.ExpNum] = len(c.exposures)
	c.exposures = append(c.exposures, entry)
}

// Entry returns the catalog entry for an exposure id.
func (c *Catalog) Entry(id int64) (Entry, bool) {
	if i, ok := c.index[id]; ok {
		return c.exposures[i], true
	}
	return Entry{}, false
}

// Entries returns the exposure entries in catalog order.
func (c *Catalog) Entries() []Entry {
	return c.exposures
}

// SetObjects overwrites the derived object catalog and magnitude
// summary in one shot.
func (c *Catalog) SetObjects(objects []ObjectEntry, mags *MagnitudeSummary) {
	c.objects = objects
	c.mags = mags
}

// Objects returns the derived object catalog.
func (c *Catalog) Objects() []ObjectEntry {
	return c.objects
}

// Magnitudes returns the magnitude summary, or nil before the first
// reindex.
func (c *Catalog) Magnitudes() *MagnitudeSummary {
	return c.mags
}

// NumExposures returns the number of known exposures.
func (c *Catalog) NumExposures() int {
	return len(c.exposures)
}

// NumObjects returns the number of known objects.
func (c *Catalog) NumObjects() int {
	return len(c.objects)
}

// Commit persists the catalog atomically: marshal, write a temp file in
// the store directory, sync, rename over the catalog file.
func (c *Catalog) Commit() error {
	doc := document{
		Version:    c.toolVersion,
		Exposures:  c.exposures,
		Objects:    c.objects,
		Magnitudes: c.mags,
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return errors.NewIO("marshal catalog", err)
	}

	path := c.cfg.CatalogPath()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.NewIO("create catalog temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.NewIO("write catalog", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.NewIO("sync catalog", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.NewIO("close catalog", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.NewIO("rename catalog", err)
	}

	logging.Component("catalog").Debug("catalog committed",
		"exposures", len(c.exposures), "objects", len(c.objects))
	return nil
}

// String summarizes the catalog for logs.
func (c *Catalog) String() string {
	return fmt.Sprintf("catalog{exposures: %d, objects: %d}", len(c.exposures), len(c.objects))
}
