// Command carvault ingests scraped vehicle-listing records into the durable
// store and reports on the resulting runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HugoAlexis/car-scraping/internal/config"
	"github.com/HugoAlexis/car-scraping/internal/ingest"
	"github.com/HugoAlexis/car-scraping/internal/metrics"
	"github.com/HugoAlexis/car-scraping/internal/report"
	"github.com/HugoAlexis/car-scraping/internal/storage"
	"github.com/HugoAlexis/car-scraping/internal/storage/postgres"
	"github.com/HugoAlexis/car-scraping/internal/storage/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "carvault",
	Short: "Vehicle-listing ingestion engine",
	Long:  "carvault consolidates raw per-site scrape output into a de-duplicated, historically tracked store of vehicle versions, listings and price observations.",
}

var asJSON bool

func main() {
	rootCmd.AddCommand(initdbCmd, ingestCmd, reportCmd)
	ingestCmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.New(ctx, cfg.DSN())
	case "sqlite":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the schema on the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Println("schema applied")
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <records.json>",
	Short: "Ingest a batch of raw listing records as one run",
	Long:  "Reads a JSON array of raw listing records (the site-scraper contract), opens a run, ingests the batch and drives the run to a terminal state.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open records file: %w", err)
		}
		defer f.Close()

		var records []ingest.RawRecord
		if err := json.NewDecoder(f).Decode(&records); err != nil {
			return fmt.Errorf("decode records: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var metricsSrv *metrics.Server
		if cfg.MetricsPort > 0 {
			metricsSrv = metrics.Start(cfg.MetricsPort)
			defer metricsSrv.Stop(context.Background())
		}

		coord := ingest.New(ingest.Config{
			Store:    store,
			Workers:  cfg.Workers,
			LockWait: time.Duration(cfg.LockWaitMs) * time.Millisecond,
			Logger:   logger,
		})

		run, rep, ingestErr := coord.IngestRun(ctx, records)
		if run != nil {
			// Re-read the run so the summary reflects the terminal state.
			if final, err := store.GetRun(context.WithoutCancel(ctx), run.ID); err == nil {
				run = final
			}
			summary := report.GenerateSummary(run, rep)
			if asJSON {
				_ = report.WriteJSON(os.Stdout, summary)
			} else {
				_ = report.WriteText(os.Stdout, summary)
			}
		}
		return ingestErr
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <listing-id>",
	Short: "Print the time-ordered observation history of a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		obs, err := store.ObservationsForListing(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, o := range obs {
			price := "-"
			if o.Price != nil {
				price = fmt.Sprintf("%d", *o.Price)
			}
			labels := ""
			if o.Labels != nil {
				labels = *o.Labels
			}
			fmt.Printf("%s  run=%s  price=%s  labels=%q\n",
				o.ObservedAt.Format(time.RFC3339), o.RunID, price, labels)
		}
		if len(obs) == 0 {
			fmt.Println("no observations")
		}
		return nil
	},
}
