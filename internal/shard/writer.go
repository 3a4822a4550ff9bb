// Package shard converts one exposure unit into an immutable columnar
// shard: a Parquet file holding every detection row of exactly one
// exposure id.
package shard

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/lensdb/internal/config"
	"github.com/xtxerr/lensdb/internal/errors"
	"github.com/xtxerr/lensdb/internal/logging"
	"github.com/xtxerr/lensdb/internal/scanner"
)

// ParseCompression parses a compression algorithm name into the
// parquet-go codec.
func ParseCompression(algorithm string) compress.Codec {
	switch algorithm {
	case "snappy":
		return &parquet.Snappy
	case "zstd":
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none", "":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// Result is the outcome of processing one exposure unit.
type Result struct {
	// Path is the written shard file.
	Path string

	// Rows is the number of detection rows in the shard.
	Rows int64

	// Meta is the companion file's metadata row.
	Meta ExposureMeta

	// LastModified is the primary file's modification time, recorded in
	// the catalog as the source state the shard was produced from.
	LastModified time.Time
}

// Writer converts exposure units into shards.
type Writer struct {
	cfg *config.Config
}

// NewWriter creates a shard writer for the given configuration.
func NewWriter(cfg *config.Config) *Writer {
	return &Writer{cfg: cfg}
}

// Process reads the unit's primary and companion files and writes the
// shard file for the unit's exposure id. Re-running on unchanged input
// deterministically overwrites the shard. A primary row whose expnum
// differs from the unit id fails the whole unit with a validation error.
func (w *Writer) Process(unit scanner.ExposureUnit) (*Result, error) {
	log := logging.Component("shard")

	meta, err := readCompanion(unit.CompanionPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(unit.PrimaryPath)
	if err != nil {
		return nil, errors.NewIO("stat primary file", err)
	}

	rows, err := w.writeShard(unit)
	if err != nil {
		return nil, err
	}

	log.Debug("shard written", "expnum", unit.ID, "rows", rows)

	return &Result{
		Path:         w.cfg.ShardPath(unit.ID),
		Rows:         rows,
		Meta:         meta,
		LastModified: info.ModTime(),
	}, nil
}

// writeShard streams the primary CSV into a Parquet shard, written to a
// temp file and renamed so a crash never leaves a torn shard behind.
func (w *Writer) writeShard(unit scanner.ExposureUnit) (int64, error) {
	f, err := os.Open(unit.PrimaryPath)
	if err != nil {
		return 0, errors.NewIO("open primary file", err)
	}
	defer f.Close()

	path := w.cfg.ShardPath(unit.ID)
	tmp := path + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return 0, errors.NewIO("create shard file", err)
	}

	pw := parquet.NewGenericWriter[Detection](out,
		parquet.Compression(ParseCompression(w.cfg.Compression.Algorithm)))

	rows, err := copyDetections(pw, f, unit)
	if err != nil {
		pw.Close()
		out.Close()
		os.Remove(tmp)
		return 0, err
	}

	if err := pw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, errors.NewIO("close shard writer", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, errors.NewIO("close shard file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.NewIO("rename shard file", err)
	}

	return rows, nil
}

// copyDetections parses primary CSV rows and writes them in chunks.
func copyDetections(pw *parquet.GenericWriter[Detection], r io.Reader, unit scanner.ExposureUnit) (int64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = detectionColumns

	const chunkSize = 8192
	chunk := make([]Detection, 0, chunkSize)

	var total int64
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return 0, errors.NewValidation(unit.PrimaryPath,
				fmt.Sprintf("row %d: %v", line, err))
		}

		det, err := parseDetection(record)
		if err != nil {
			return 0, errors.NewValidation(unit.PrimaryPath,
				fmt.Sprintf("row %d: %v", line, err))
		}
		if det.ExpNum != unit.ID {
			return 0, errors.NewValidation(unit.PrimaryPath,
				fmt.Sprintf("row %d: exposure id %d differs from unit id %d",
					line, det.ExpNum, unit.ID))
		}

		chunk = append(chunk, det)
		if len(chunk) == chunkSize {
			if _, err := pw.Write(chunk); err != nil {
				return 0, errors.NewIO("write shard rows", err)
			}
			total += int64(len(chunk))
			chunk = chunk[:0]
		}
	}

	if len(chunk) > 0 {
		if _, err := pw.Write(chunk); err != nil {
			return 0, errors.NewIO("write shard rows", err)
		}
		total += int64(len(chunk))
	}

	return total, nil
}

// parseDetection converts one CSV record into a Detection row.
func parseDetection(record []string) (Detection, error) {
	var det Detection

	objID, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return det, fmt.Errorf("objid: %v", err)
	}
	expNum, err := strconv.ParseInt(strings.TrimSpace(record[detectionColumns-1]), 10, 64)
	if err != nil {
		return det, fmt.Errorf("expnum: %v", err)
	}

	floats := make([]float64, detectionColumns-2)
	for i := range floats {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return det, fmt.Errorf("column %d: %v", i+1, err)
		}
		floats[i] = v
	}

	det = Detection{
		ObjID:   objID,
		HJD:     floats[0],
		RA:      floats[1],
		Decl:    floats[2],
		Mag:     floats[3],
		MagErr:  floats[4],
		Type:    floats[5],
		Contam:  floats[6],
		Chp:     floats[7],
		Xp:      floats[8],
		Yp:      floats[9],
		Bfloor:  floats[10],
		Moffset: floats[11],
		Fitsky:  floats[12],
		Errlim:  floats[13],
		ExpNum:  expNum,
	}
	return det, nil
}

// readCompanion reads the single metadata row of a companion file.
// The trailing fitsname column is optional in the source data.
func readCompanion(path string) (ExposureMeta, error) {
	var meta ExposureMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, errors.NewIO("open companion file", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	record, err := cr.Read()
	if err != nil {
		return meta, errors.NewValidation(path, fmt.Sprintf("metadata row: %v", err))
	}
	if len(record) < metaColumns {
		return meta, errors.NewValidation(path,
			fmt.Sprintf("metadata row has %d columns, want at least %d",
				len(record), metaColumns))
	}

	meta.ExpNum, err = strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return meta, errors.NewValidation(path, fmt.Sprintf("expnum: %v", err))
	}

	vals := make([]float64, 5)
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return meta, errors.NewValidation(path, fmt.Sprintf("column %d: %v", i+1, err))
		}
		vals[i] = v
	}
	meta.HJD = vals[0]
	meta.SkyPC2 = vals[1]
	meta.SkyPC5 = vals[2]
	meta.SkyPC10 = vals[3]
	meta.SkyPC90 = vals[4]
	meta.Filter = strings.TrimSpace(record[6])
	if len(record) > metaColumns {
		meta.FitsName = strings.TrimSpace(record[7])
	}

	return meta, nil
}
