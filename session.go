package lensdb

import (
	"database/sql"
	stderrors "errors"
	"os"
	"strings"
	"sync"

	// DuckDB backs the read session's SQL access to the master store.
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/lensdb/internal/catalog"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/lock"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/shard"
)

// errSessionClosed is returned by DB after Close.
var errSessionClosed = stderrors.New("session is closed")

// Session is a scoped read session over one store. It holds an
// access-lock for its whole lifetime; Close must run on every exit path.
// Concurrent sessions never block each other, but no session can be
// opened while an update-lock exists.
type Session struct {
	cfg *Config
	cat *catalog.Catalog

	release func()

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens a read session on the store under rootDir. Pending shards
// left by an interrupted update are only a warning; read access
// proceeds. It fails with a not-found error when no store exists and a
// conflict error while an update is running.
func Open(cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.StoreExists() {
		return nil, errors.NewNotFound(cfg.RootDir)
	}

	cat, err := catalog.OpenOrCreate(cfg, Version)
	if err != nil {
		return nil, err
	}

	pending, err := shard.Pending(cfg)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		logging.Component("store").Warn(
			"store has pending shards from an interrupted update; run update to finish",
			"pending", len(pending))
	}

	release, err := lock.NewManager(cfg).AcquireAccess()
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		cat:     cat,
		release: release,
	}, nil
}

// Close releases the session's access-lock and any open resources.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.release()
	return err
}

// MasterPath returns the path of the master columnar file.
func (s *Session) MasterPath() string {
	return s.cfg.MasterPath()
}

// NumRows returns the total number of detection rows in the master
// store; zero when no master file exists yet.
func (s *Session) NumRows() (int64, error) {
	if _, err := os.Stat(s.cfg.MasterPath()); os.IsNotExist(err) {
		return 0, nil
	}
	r, err := shard.OpenReader(s.cfg.MasterPath())
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.NumRows(), nil
}

// NumExposures returns the number of known exposures.
func (s *Session) NumExposures() int {
	return s.cat.NumExposures()
}

// NumObjects returns the number of known objects.
func (s *Session) NumObjects() int {
	return s.cat.NumObjects()
}

// Objects returns the derived object catalog: one entry per unique
// object id with its occurrence count across the master store.
func (s *Session) Objects() []ObjectCount {
	entries := s.cat.Objects()
	objects := make([]ObjectCount, len(entries))
	for i, e := range entries {
		objects[i] = ObjectCount{ObjID: e.ObjID, Count: e.Count}
	}
	return objects
}

// DB returns a lazily-opened DuckDB handle with a `detections` view
// over the master store, for collaborators such as the exploration
// shell. The handle is owned by the session and closed with it.
func (s *Session) DB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSessionClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.NewIO("open duckdb", err)
	}

	// Single-quote escaping for the file path inside the SQL literal.
	path := strings.ReplaceAll(s.cfg.MasterPath(), "'", "''")
	if _, err := db.Exec(
		"CREATE VIEW detections AS SELECT * FROM read_parquet('" + path + "')"); err != nil {
		db.Close()
		return nil, errors.NewIO("create detections view", err)
	}

	s.db = db
	return db, nil
}
