package shard

import (
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/lensdb/internal/errors"
)

// Reader reads detection rows from a shard or master Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[Detection]
	path   string
}

// OpenReader opens a Parquet file of detection rows.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open parquet file", err)
	}

	reader := parquet.NewGenericReader[Detection](f, parquet.ReadBufferSize(1024*1024))

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to len(rows) detections into rows. It returns io.EOF
// when the file is exhausted, possibly together with a final short read.
func (r *Reader) Read(rows []Detection) (int, error) {
	return r.reader.Read(rows)
}

// ReadAll reads every remaining detection from the file.
func (r *Reader) ReadAll() ([]Detection, error) {
	rows := make([]Detection, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, errors.NewIO("read parquet rows", err)
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// FileWriter appends detection rows to a Parquet file. The merge engine
// uses it to build replacement master files.
type FileWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[Detection]
	rows   int64
	path   string
}

// CreateFileWriter creates (or truncates) a Parquet detection file.
func CreateFileWriter(path, algorithm string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.NewIO("create parquet file", err)
	}

	writer := parquet.NewGenericWriter[Detection](f,
		parquet.Compression(ParseCompression(algorithm)))

	return &FileWriter{
		file:   f,
		writer: writer,
		path:   path,
	}, nil
}

// Write appends rows to the file.
func (w *FileWriter) Write(rows []Detection) error {
	if len(rows) == 0 {
		return nil
	}
	n, err := w.writer.Write(rows)
	if err != nil {
		return errors.NewIO("write parquet rows", err)
	}
	w.rows += int64(n)
	return nil
}

// Rows returns the number of rows written so far.
func (w *FileWriter) Rows() int64 {
	return w.rows
}

// Close flushes and closes the file. The file is synced to stable
// storage so a rename over the master store is safe immediately after.
func (w *FileWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return errors.NewIO("close parquet writer", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.NewIO("sync parquet file", err)
	}
	if err := w.file.Close(); err != nil {
		return errors.NewIO("close parquet file", err)
	}
	return nil
}

// Path returns the file path.
func (w *FileWriter) Path() string {
	return w.path
}
