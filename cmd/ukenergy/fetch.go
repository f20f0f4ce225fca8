package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/seenimoa/ukenergy/api"
	"github.com/seenimoa/ukenergy/internal/checkpoint"
	"github.com/seenimoa/ukenergy/internal/elexon"
	"github.com/seenimoa/ukenergy/internal/fetcher"
	"github.com/seenimoa/ukenergy/internal/infra"
	"github.com/seenimoa/ukenergy/internal/metrics"
	"github.com/seenimoa/ukenergy/internal/output"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

// --- Fetch Command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Retrieve every settlement period of a year",
	Long: `Fetch B1610 actual generation for the configured BM units, one request
per (date, settlement period) across the whole year, honouring the 46 and
50 period clock-change days. Progress is checkpointed; rerunning resumes
and retries earlier failures.

Exit status is 2 when some requests still failed after all attempts.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().Int("year", 0, "year to retrieve (overrides fetch.year)")
	fetchCmd.Flags().Int("max-concurrent", 0, "requests in flight (overrides fetch.max_concurrent)")
	fetchCmd.Flags().String("output", "", "output CSV path (overrides paths.output)")
	fetchCmd.Flags().String("checkpoint", "", "checkpoint path (overrides paths.checkpoint)")
	fetchCmd.Flags().String("metrics-addr", "", "serve /metrics and progress on this address")
	fetchCmd.Flags().Bool("fresh", false, "discard any existing checkpoint and start over")
}

func runFetch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if v, _ := flags.GetInt("year"); v != 0 {
		cfg.Fetch.Year = v
	}
	if v, _ := flags.GetInt("max-concurrent"); v != 0 {
		cfg.Fetch.MaxConcurrent = v
	}
	if v, _ := flags.GetString("output"); v != "" {
		cfg.Paths.Output = v
	}
	if v, _ := flags.GetString("checkpoint"); v != "" {
		cfg.Paths.Checkpoint = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cal, err := cfg.Calendar()
	if err != nil {
		return err
	}

	store := checkpoint.NewStore(cfg.Paths.Checkpoint)
	if fresh, _ := flags.GetBool("fresh"); fresh {
		if err := store.Delete(); err != nil {
			return err
		}
		logger.Info("discarded existing checkpoint", "path", store.Path())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewFetchMetrics(reg)

	client := newElexonClient(m)
	opts := fetcher.Options{
		Calendar:        cal,
		MaxConcurrent:   cfg.Fetch.MaxConcurrent,
		RequestDelay:    cfg.Fetch.RequestDelay(),
		CheckpointEvery: cfg.Fetch.CheckpointEvery,
		ProgressEvery:   cfg.Fetch.ProgressEvery,
	}
	session := fetcher.New(opts, client, store, output.NewCSVFile(cfg.Paths.Output), logger, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(api.Options{
			Progress:    session,
			Gatherer:    reg,
			Checkpoints: store,
			CORSOrigins: cfg.Metrics.CORSOrigins,
			Logger:      logger,
			Version:     version,
		})
		srvCtx, stopSrv := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Serve(srvCtx, cfg.Metrics.Addr); err != nil {
				logger.Error("status server failed", "err", err)
			}
		}()
		defer func() {
			stopSrv()
			<-done
		}()
	}

	res, err := session.Run(ctx)
	if errors.Is(err, fetcher.ErrForeignCheckpoint) {
		return fmt.Errorf("fetch aborted: %w (checkpoint %s is from another run; rerun with --fresh to discard it)",
			err, store.Path())
	}
	if err != nil {
		return fmt.Errorf("fetch aborted: %w", err)
	}

	fmt.Printf("Retrieved %d records for %d/%d requests (%d resumed) in %s → %s\n",
		len(res.Records), res.Completed, res.Total, res.Skipped,
		res.Elapsed.Round(time.Second), cfg.Paths.Output)
	if !res.Succeeded {
		return &exitError{
			code: 2,
			msg: fmt.Sprintf("%d requests failed; checkpoint kept at %s, rerun to retry",
				len(res.Failed), cfg.Paths.Checkpoint),
		}
	}
	return nil
}

func newElexonClient(m *metrics.FetchMetrics) *elexon.Client {
	timeout := cfg.Fetch.Timeout()
	clientOpts := []elexon.Option{
		elexon.WithBaseURL(cfg.Elexon.BaseURL),
		elexon.WithUnits(cfg.Elexon.Units),
		elexon.WithHTTPClient(infra.NewHTTPClient(timeout)),
		elexon.WithRetry(cfg.Fetch.MaxRetries, cfg.Fetch.RetryBaseDelay()),
		elexon.WithTimeout(timeout),
		elexon.WithLogger(logger),
	}
	if n := cfg.Fetch.RateLimitPerSec; n > 0 {
		clientOpts = append(clientOpts, elexon.WithRateLimiter(infra.NewRateLimiter(n, time.Second)))
	}
	client := elexon.NewClient(clientOpts...)
	if cfg.Elexon.Format != "" {
		client.Format = cfg.Elexon.Format
	}
	client.OnRetry = func(req settlement.SettlementRequest, attempt int, err error) {
		m.Retry()
	}
	return client
}
