package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/seenimoa/ukenergy/internal/settlement"
)

// GenerationTable is the default table name for imported settlement output.
const GenerationTable = "generation_tbl"

// ImportGeneration replaces table with records as typed columns.
func (d *DB) ImportGeneration(ctx context.Context, table string, records []settlement.GenerationRecord) error {
	if table == "" {
		table = GenerationTable
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DROP TABLE IF EXISTS " + quoteIdent(table),
		fmt.Sprintf(`CREATE TABLE %s (
			settlement_date TEXT NOT NULL,
			settlement_period INTEGER NOT NULL,
			bm_unit TEXT NOT NULL,
			half_hour_end_time TEXT,
			quantity REAL NOT NULL,
			PRIMARY KEY (settlement_date, settlement_period, bm_unit)
		)`, quoteIdent(table)),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s VALUES (?, ?, ?, ?, ?)", quoteIdent(table)))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", table, err)
	}
	defer stmt.Close()

	for _, r := range records {
		var end any
		if !r.HalfHourEndTime.IsZero() {
			end = r.HalfHourEndTime.UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, r.SettlementDate.String(), r.SettlementPeriod, r.BMUnit, end, r.Quantity); err != nil {
			return fmt.Errorf("insert %s %s: %w", table, r.Request(), err)
		}
	}
	return tx.Commit()
}
