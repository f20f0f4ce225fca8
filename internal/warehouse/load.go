package warehouse

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Filter keeps only rows whose Column value starts with Prefix
// (the SQL `column LIKE 'prefix%'` used to select local authority codes).
type Filter struct {
	Column string `yaml:"column"`
	Prefix string `yaml:"prefix"`
}

// LoadOptions shape a loaded table. Column names refer to normalized names;
// Rename is applied first, so Filter and Exclude see the new names.
type LoadOptions struct {
	Filter    *Filter           // optional row filter
	Exclude   []string          // columns dropped after loading
	Constants map[string]string // extra columns with a fixed value, e.g. calendar_year
	Rename    map[string]string // old -> new column names
}

// table is a text grid prior to materialization.
type table struct {
	columns []string
	rows    [][]*string
}

// LoadCSV creates or replaces table from a CSV file with a header row. path
// may be local or an http(s) URL. Rows whose field count does not match the
// header are skipped.
func (d *DB) LoadCSV(ctx context.Context, name, path string, opts LoadOptions) (int, error) {
	f, err := d.openSource(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("load csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("load csv %s: read header: %w", path, err)
	}
	t := &table{columns: normalizeHeader(trimBOM(header))}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("load csv %s: %w", path, err)
		}
		if len(rec) != len(t.columns) {
			continue
		}
		t.rows = append(t.rows, textRow(rec))
	}
	return d.materialize(ctx, name, t, opts)
}

// LoadXLSX creates or replaces table from one sheet of a workbook. cellRange
// ("A5:X374") bounds the grid; its first row is the header. An empty range
// reads the whole sheet. path may be local or an http(s) URL.
func (d *DB) LoadXLSX(ctx context.Context, name, path, sheet, cellRange string, opts LoadOptions) (int, error) {
	src, err := d.openSource(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("load xlsx %s: %w", path, err)
	}
	wb, err := excelize.OpenReader(src)
	src.Close()
	if err != nil {
		return 0, fmt.Errorf("load xlsx %s: %w", path, err)
	}
	defer wb.Close()

	if sheet == "" {
		sheet = wb.GetSheetName(0)
	}
	grid, err := wb.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("load xlsx %s sheet %q: %w", path, sheet, err)
	}

	col0, row0, col1, row1 := 1, 1, 0, len(grid)
	if cellRange != "" {
		col0, row0, col1, row1, err = parseRange(cellRange)
		if err != nil {
			return 0, fmt.Errorf("load xlsx %s: %w", path, err)
		}
	}
	if row0 > len(grid) {
		return 0, fmt.Errorf("load xlsx %s sheet %q: header row %d beyond last row %d", path, sheet, row0, len(grid))
	}
	if col1 == 0 {
		for _, r := range grid {
			col1 = max(col1, len(r))
		}
	}

	slice := func(r []string) []string {
		out := make([]string, col1-col0+1)
		for c := col0; c <= col1; c++ {
			if c-1 < len(r) {
				out[c-col0] = r[c-1]
			}
		}
		return out
	}

	t := &table{columns: normalizeHeader(slice(grid[row0-1]))}
	for i := row0; i < min(row1, len(grid)); i++ {
		cells := slice(grid[i])
		if isBlank(cells) {
			continue
		}
		t.rows = append(t.rows, textRow(cells))
	}
	return d.materialize(ctx, name, t, opts)
}

// parseRange converts "A5:X374" to 1-based inclusive bounds.
func parseRange(s string) (col0, row0, col1, row1 int, err error) {
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("cell range %q: want FROM:TO", s)
	}
	if col0, row0, err = excelize.CellNameToCoordinates(from); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("cell range %q: %w", s, err)
	}
	if col1, row1, err = excelize.CellNameToCoordinates(to); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("cell range %q: %w", s, err)
	}
	if col1 < col0 || row1 < row0 {
		return 0, 0, 0, 0, fmt.Errorf("cell range %q is inverted", s)
	}
	return col0, row0, col1, row1, nil
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Properties map[string]any  `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	} `json:"features"`
}

// LoadGeoJSON creates or replaces table from a FeatureCollection: one row per
// feature, one column per property, and the geometry kept as JSON text.
// path may be local or an http(s) URL.
func (d *DB) LoadGeoJSON(ctx context.Context, name, path string, opts LoadOptions) (int, error) {
	raw, err := d.readSource(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("load geojson %s: %w", path, err)
	}
	var fc featureCollection
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fc); err != nil {
		return 0, fmt.Errorf("load geojson %s: %w", path, err)
	}
	if fc.Type != "FeatureCollection" {
		return 0, fmt.Errorf("load geojson %s: type %q, want FeatureCollection", path, fc.Type)
	}

	keySet := make(map[string]struct{})
	for _, f := range fc.Features {
		for k := range f.Properties {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := &table{columns: normalizeHeader(append(slices.Clone(keys), "geometry"))}
	for _, f := range fc.Features {
		row := make([]*string, len(keys)+1)
		for i, k := range keys {
			row[i] = propertyText(f.Properties[k])
		}
		if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
			g := string(f.Geometry)
			row[len(keys)] = &g
		}
		t.rows = append(t.rows, row)
	}
	return d.materialize(ctx, name, t, opts)
}

func propertyText(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		s = string(b)
	}
	return &s
}

// materialize applies opts to t and replaces the named table with it.
func (d *DB) materialize(ctx context.Context, name string, t *table, opts LoadOptions) (int, error) {
	for from, to := range opts.Rename {
		if i := slices.Index(t.columns, from); i >= 0 {
			t.columns[i] = to
		}
	}

	if opts.Filter != nil {
		idx := slices.Index(t.columns, opts.Filter.Column)
		if idx < 0 {
			return 0, fmt.Errorf("load %s: filter column %q not found in %v", name, opts.Filter.Column, t.columns)
		}
		kept := t.rows[:0]
		for _, r := range t.rows {
			if r[idx] != nil && strings.HasPrefix(*r[idx], opts.Filter.Prefix) {
				kept = append(kept, r)
			}
		}
		t.rows = kept
	}

	if len(opts.Exclude) > 0 {
		var keep []int
		var cols []string
		for i, c := range t.columns {
			if !slices.Contains(opts.Exclude, c) {
				keep = append(keep, i)
				cols = append(cols, c)
			}
		}
		for ri, r := range t.rows {
			nr := make([]*string, len(keep))
			for j, i := range keep {
				nr[j] = r[i]
			}
			t.rows[ri] = nr
		}
		t.columns = cols
	}

	if len(opts.Constants) > 0 {
		names := make([]string, 0, len(opts.Constants))
		for k := range opts.Constants {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			v := opts.Constants[k]
			t.columns = append(t.columns, k)
			for ri := range t.rows {
				t.rows[ri] = append(t.rows[ri], &v)
			}
		}
	}

	if err := d.replaceTable(ctx, name, t.columns, t.rows); err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

// textRow converts raw cells to nullable text; empty cells become NULL.
func textRow(cells []string) []*string {
	row := make([]*string, len(cells))
	for i, c := range cells {
		c := c
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		row[i] = &c
	}
	return row
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}
