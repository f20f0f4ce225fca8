package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Step kinds.
const (
	KindCSV     = "csv"
	KindXLSX    = "xlsx"
	KindGeoJSON = "geojson"
	KindSQL     = "sql"
	KindUnpivot = "unpivot"
)

// Recipe is an ordered list of steps that build the analytical tables.
type Recipe struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one table-producing action.
type Step struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Table     string            `yaml:"table"`
	Path      string            `yaml:"path"`
	Sheet     string            `yaml:"sheet"`
	Range     string            `yaml:"range"`
	Filter    *Filter           `yaml:"filter"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	Constants map[string]string `yaml:"constants"`
	SQL       string            `yaml:"sql"`
	Unpivot   *UnpivotSpec      `yaml:"unpivot"`
}

// LoadRecipe reads a YAML recipe. Relative source paths are resolved against
// the recipe's directory.
func LoadRecipe(path string) (*Recipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	var r Recipe
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range r.Steps {
		if p := r.Steps[i].Path; p != "" && !filepath.IsAbs(p) && !IsRemote(p) {
			r.Steps[i].Path = filepath.Join(base, p)
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks every step carries what its kind needs.
func (r *Recipe) Validate() error {
	if len(r.Steps) == 0 {
		return errors.New("recipe has no steps")
	}
	var errs []error
	for i, s := range r.Steps {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		switch s.Kind {
		case KindCSV, KindXLSX, KindGeoJSON:
			if s.Table == "" || s.Path == "" {
				errs = append(errs, fmt.Errorf("step %s: %s needs table and path", label, s.Kind))
			}
		case KindSQL:
			if s.SQL == "" {
				errs = append(errs, fmt.Errorf("step %s: sql needs a statement", label))
			}
		case KindUnpivot:
			if s.Unpivot == nil || s.Unpivot.Source == "" || s.Unpivot.Target == "" {
				errs = append(errs, fmt.Errorf("step %s: unpivot needs source and target", label))
			}
		default:
			errs = append(errs, fmt.Errorf("step %s: unknown kind %q", label, s.Kind))
		}
	}
	return errors.Join(errs...)
}

// Sources lists the files the recipe reads.
func (r *Recipe) Sources() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Path != "" {
			out = append(out, s.Path)
		}
	}
	return out
}

// RunRecipe executes the steps in order, stopping at the first failure.
func RunRecipe(ctx context.Context, db *DB, r *Recipe, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	for i, s := range r.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		t0 := time.Now()
		table, rows, err := runStep(ctx, db, s)
		if err != nil {
			return fmt.Errorf("recipe %s step %d (%s): %w", r.Name, i+1, s.Name, err)
		}
		logger.Info("created table",
			"step", s.Name, "kind", s.Kind, "table", table, "rows", rows,
			"elapsed", time.Since(t0).Round(time.Millisecond).String())
	}
	logger.Info("recipe complete", "recipe", r.Name, "steps", len(r.Steps),
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func runStep(ctx context.Context, db *DB, s Step) (string, int64, error) {
	opts := LoadOptions{Filter: s.Filter, Exclude: s.Exclude, Constants: s.Constants, Rename: s.Rename}
	var n int
	var err error
	switch s.Kind {
	case KindCSV:
		n, err = db.LoadCSV(ctx, s.Table, s.Path, opts)
	case KindXLSX:
		n, err = db.LoadXLSX(ctx, s.Table, s.Path, s.Sheet, s.Range, opts)
	case KindGeoJSON:
		n, err = db.LoadGeoJSON(ctx, s.Table, s.Path, opts)
	case KindUnpivot:
		rows, err := db.Unpivot(ctx, *s.Unpivot)
		return s.Unpivot.Target, rows, err
	case KindSQL:
		if err := db.Exec(ctx, s.SQL); err != nil {
			return s.Table, 0, err
		}
		if s.Table == "" {
			return "", 0, nil
		}
		rows, err := db.Count(ctx, s.Table)
		return s.Table, rows, err
	default:
		return "", 0, fmt.Errorf("unknown kind %q", s.Kind)
	}
	return s.Table, int64(n), err
}

// SourceStatus reports whether one input file is present.
type SourceStatus struct {
	Path    string
	Present bool
	Remote  bool
	Size    int64
}

// CheckSources stats every local path and reports which are present. URLs
// are not probed; they count as present and fail at load time if unreachable.
// The boolean is true only when every source is available.
func CheckSources(paths []string) ([]SourceStatus, bool) {
	all := true
	out := make([]SourceStatus, 0, len(paths))
	for _, p := range paths {
		st := SourceStatus{Path: p}
		if IsRemote(p) {
			st.Present, st.Remote = true, true
		} else if info, err := os.Stat(p); err == nil && !info.IsDir() {
			st.Present = true
			st.Size = info.Size()
		}
		if !st.Present {
			all = false
		}
		out = append(out, st)
	}
	return out, all
}
