package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seenimoa/ukenergy/internal/output"
	"github.com/seenimoa/ukenergy/internal/settlement"
	"github.com/seenimoa/ukenergy/internal/warehouse"
)

// --- Load Command ---

var loadCmd = &cobra.Command{
	Use:   "load [csv]",
	Short: "Import fetched generation into the sqlite database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Paths.Output
		if len(args) == 1 {
			path = args[0]
		}
		table, _ := cmd.Flags().GetString("table")

		records, err := output.ReadCSV(path)
		if err != nil {
			return err
		}
		db, err := openWarehouse()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ImportGeneration(cmd.Context(), table, records); err != nil {
			return err
		}
		sum := settlement.Summarize(records)
		logger.Info("imported generation",
			"table", table, "records", sum.Records,
			"first_date", sum.FirstDate.String(), "last_date", sum.LastDate.String(),
			"units", sum.Units, "total_mwh", fmt.Sprintf("%.2f", sum.TotalQuantity))
		return nil
	},
}

func init() {
	loadCmd.Flags().String("table", warehouse.GenerationTable, "destination table")
}

// --- ETL Command ---

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Build the regional energy tables from a YAML recipe",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("recipe")
		if path == "" {
			path = cfg.ETL.Recipe
		}
		recipe, err := warehouse.LoadRecipe(path)
		if err != nil {
			return err
		}

		logger.Info("checking for presence of source data files")
		sources := append(recipe.Sources(), cfg.ETL.Sources...)
		statuses, ok := warehouse.CheckSources(sources)
		if !ok {
			for _, s := range statuses {
				if !s.Present {
					logger.Error("missing required file", "path", s.Path)
				}
			}
			return errors.New("source data incomplete")
		}
		logger.Info("all source data files found", "files", len(statuses))

		if fresh, _ := cmd.Flags().GetBool("fresh"); fresh {
			for _, p := range []string{cfg.Paths.Database, cfg.Paths.Database + "-wal", cfg.Paths.Database + "-shm"} {
				if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove database: %w", err)
				}
			}
		}

		db, err := openWarehouse()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return warehouse.RunRecipe(ctx, db, recipe, logger)
	},
}

func init() {
	etlCmd.Flags().String("recipe", "", "recipe file (overrides etl.recipe)")
	etlCmd.Flags().Bool("fresh", false, "delete the database before building")
}

func openWarehouse() (*warehouse.DB, error) {
	if dir := filepath.Dir(cfg.Paths.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := warehouse.Open(cfg.Paths.Database)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened database", "path", cfg.Paths.Database)
	return db, nil
}
