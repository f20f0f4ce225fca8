// ukenergy retrieves half-hourly metered generation for GB balancing
// mechanism units from the Elexon BMRS API and builds a local analytical
// database from it and from published regional energy statistics.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seenimoa/ukenergy/internal/checkpoint"
	"github.com/seenimoa/ukenergy/internal/config"
	"github.com/seenimoa/ukenergy/internal/settlement"
	"github.com/seenimoa/ukenergy/internal/warehouse"
	"github.com/seenimoa/ukenergy/pkg/utils"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger, set in PersistentPreRunE.
var (
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
)

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	err := rootCmd.Execute()
	if closeLog != nil {
		closeLog()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ukenergy",
	Short: "UK settlement-period generation retrieval and regional energy ETL",
	Long: `ukenergy fetches a full year of B1610 actual generation for a set of
BM units, one request per settlement period, with resumable checkpoints,
and loads the result alongside regional energy statistics into sqlite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		logFile := cfg.Paths.LogFile
		if cmd.Name() != "fetch" {
			logFile = ""
		}
		logger, closeLog, err = newLogger(cfg.Logging, logFile, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(etlCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ukenergy %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, checkpoint and source file status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  ukenergy — Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:     %s (%s)\n", version, commit)
		fmt.Printf("  Time (UK):   %s\n", utils.FormatDateTimeUK(utils.NowUK()))
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    Endpoint:     %s\n", cfg.Elexon.BaseURL)
		fmt.Printf("    BM units:     %v\n", cfg.Elexon.Units)
		if cal, err := cfg.Calendar(); err == nil {
			fmt.Printf("    Year:         %d (%d requests; short day %s, long day %s)\n",
				cal.Year, cal.TotalRequests(), cal.SpringForward, cal.FallBack)
			for _, d := range []settlement.Date{cal.SpringForward, cal.FallBack} {
				if tz := utils.HalfHoursInDay(d.Year, d.Month, d.Day); tz != cal.PeriodCount(d) {
					fmt.Printf("    ⚠️  %s has %d half hours in the local time zone database, calendar says %d\n",
						d, tz, cal.PeriodCount(d))
				}
			}
		} else {
			fmt.Printf("    Year:         %d (invalid calendar: %v)\n", cfg.Fetch.Year, err)
		}
		fmt.Printf("    Concurrency:  %d, delay %s, %d attempts\n",
			cfg.Fetch.MaxConcurrent, cfg.Fetch.RequestDelay(), cfg.Fetch.MaxRetries)
		fmt.Println()

		fmt.Println("  Files:")
		for _, p := range config.CheckPaths(cfg) {
			mark := "❌"
			switch p.State {
			case config.PathPresent:
				mark = "✅"
			case config.PathUnset:
				mark = "—"
			}
			fmt.Printf("    %-14s %s %s\n", p.Name+":", mark, p.Path)
		}
		fmt.Println()

		fmt.Println("  Checkpoint:")
		cp, err := checkpoint.NewStore(cfg.Paths.Checkpoint).Load()
		switch {
		case err != nil:
			fmt.Printf("    unreadable: %v\n", err)
		case cp == nil:
			fmt.Println("    none (next fetch starts from the beginning)")
		default:
			fmt.Printf("    resume at %s, %d failed requests to retry\n", cp.Cursor(), len(cp.FailedRequests))
		}

		if len(cfg.ETL.Sources) > 0 {
			fmt.Println()
			fmt.Println("  ETL sources:")
			statuses, _ := warehouse.CheckSources(cfg.ETL.Sources)
			for _, s := range statuses {
				mark := "❌ missing"
				switch {
				case s.Remote:
					mark = "🌐 remote"
				case s.Present:
					mark = fmt.Sprintf("✅ %d bytes", s.Size)
				}
				fmt.Printf("    %s %s\n", mark, s.Path)
			}
		}
		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}
