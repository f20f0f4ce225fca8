// Package output writes and reads the consolidated generation dataset as
// delimited text.
package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jszwec/csvutil"

	"github.com/seenimoa/ukenergy/internal/infra"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

// Header is the column order of the output file. It follows the csv tags
// on settlement.GenerationRecord.
var Header = []string{"settlementDate", "settlementPeriod", "bmUnit", "halfHourEndTime", "quantity"}

// Table is durable storage for a sorted result table.
type Table interface {
	Write(records []settlement.GenerationRecord) error
	Read() ([]settlement.GenerationRecord, error)
}

var _ Table = (*CSVFile)(nil)

// CSVFile is a result table stored as a CSV file, replaced atomically on write.
type CSVFile struct {
	Path string
}

// NewCSVFile returns a CSVFile for path.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{Path: path}
}

// Write encodes records in the given order. An empty slice still produces a
// file containing only the header row.
func (f *CSVFile) Write(records []settlement.GenerationRecord) error {
	return infra.WriteAtomic(f.Path, 0o644, func(w io.Writer) error {
		return Encode(w, records)
	})
}

// Read returns the records currently stored, or nil when the file does not exist.
func (f *CSVFile) Read() ([]settlement.GenerationRecord, error) {
	records, err := ReadCSV(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// Encode writes the header and one row per record.
func Encode(w io.Writer, records []settlement.GenerationRecord) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)

	if len(records) == 0 {
		if err := enc.EncodeHeader(settlement.GenerationRecord{}); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
	}
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes a file written by CSVFile.
func ReadCSV(path string) ([]settlement.GenerationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads records from CSV with a header row.
func Decode(r io.Reader) ([]settlement.GenerationRecord, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var records []settlement.GenerationRecord
	for {
		var rec settlement.GenerationRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode line %d: %w", len(records)+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
