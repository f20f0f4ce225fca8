package warehouse

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// UnpivotSpec reshapes a wide table into a long one: every column outside
// IDColumns becomes a row carrying its (note-stripped) name in NameColumn and
// its cell in ValueColumn. Suppressed markers ("[x]", "[c]") become NULL.
type UnpivotSpec struct {
	Source      string   `yaml:"source"`
	Target      string   `yaml:"target"`
	IDColumns   []string `yaml:"id_columns"`
	NameColumn  string   `yaml:"name_column"`
	ValueColumn string   `yaml:"value_column"`
	DropNulls   bool     `yaml:"drop_nulls"`
}

// Unpivot materializes spec.Target from spec.Source and returns its row count.
func (d *DB) Unpivot(ctx context.Context, spec UnpivotSpec) (int64, error) {
	if spec.Source == "" || spec.Target == "" {
		return 0, fmt.Errorf("unpivot: source and target are required")
	}
	if spec.NameColumn == "" {
		spec.NameColumn = "name"
	}
	if spec.ValueColumn == "" {
		spec.ValueColumn = "value"
	}

	cols, err := d.Columns(ctx, spec.Source)
	if err != nil {
		return 0, fmt.Errorf("unpivot %s: %w", spec.Source, err)
	}
	for _, id := range spec.IDColumns {
		if !slices.Contains(cols, id) {
			return 0, fmt.Errorf("unpivot %s: id column %q not found", spec.Source, id)
		}
	}

	ids := make([]string, len(spec.IDColumns))
	for i, id := range spec.IDColumns {
		ids[i] = quoteIdent(id)
	}

	var selects []string
	for _, c := range cols {
		if slices.Contains(spec.IDColumns, c) {
			continue
		}
		v := quoteIdent(c)
		parts := append(slices.Clone(ids),
			fmt.Sprintf("%s AS %s", quoteLiteral(StripNotes(c)), quoteIdent(spec.NameColumn)),
			fmt.Sprintf("CASE WHEN substr(trim(%s), 1, 1) = '[' THEN NULL ELSE %s END AS %s", v, v, quoteIdent(spec.ValueColumn)),
		)
		sel := fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), quoteIdent(spec.Source))
		if spec.DropNulls {
			sel += fmt.Sprintf(" WHERE %s IS NOT NULL AND substr(trim(%s), 1, 1) <> '['", v, v)
		}
		selects = append(selects, sel)
	}
	if len(selects) == 0 {
		return 0, fmt.Errorf("unpivot %s: no value columns", spec.Source)
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(spec.Target)); err != nil {
		return 0, fmt.Errorf("unpivot drop %s: %w", spec.Target, err)
	}
	create := fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(spec.Target), strings.Join(selects, " UNION ALL "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("unpivot %s: %w", spec.Source, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return d.Count(ctx, spec.Target)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
