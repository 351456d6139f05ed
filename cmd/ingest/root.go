package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpattn/pricing/internal/config"
	"github.com/rpattn/pricing/internal/db"
	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/ingestion"
	"github.com/rpattn/pricing/internal/repository"
	"github.com/rpattn/pricing/internal/sqlitestore"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type backendOptions struct {
	sqlitePath string
	configDir  string
}

type ingestOptions struct {
	backendOptions
	batchSize  int
	uploadedBy string
	showErrors bool
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:          "ingest <file>",
		Short:        "Ingest a CSV or XLSX price file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd.OutOrStdout(), logger, opts, args[0])
		},
	}

	cmd.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite", "", "SQLite database file (default: PostgreSQL from config)")
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", ".", "Directory containing config.yaml")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Records reconciled per batch (default from config)")
	cmd.Flags().StringVar(&opts.uploadedBy, "uploaded-by", "", "Uploader recorded on the run")
	cmd.Flags().BoolVar(&opts.showErrors, "show-errors", true, "Print row errors after the summary")

	cmd.AddCommand(newCatalogCmd(logger, &opts.backendOptions))
	return cmd
}

// backend bundles the repositories of whichever database was selected.
type backend struct {
	runs      repository.UploadRunRepository
	rowErrors repository.RowErrorRepository
	pricing   repository.PricingRepository
	sqlite    *sqlitestore.Store
	close     func()
}

func openBackend(ctx context.Context, opts backendOptions, logger *slog.Logger) (backend, config.Config, error) {
	cfg, err := config.Load(opts.configDir, logger)
	if err != nil {
		return backend{}, config.Config{}, err
	}

	if path := strings.TrimSpace(opts.sqlitePath); path != "" {
		store, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return backend{}, cfg, err
		}
		return backend{
			runs:      store.UploadRuns(),
			rowErrors: store.RowErrors(),
			pricing:   store.Pricing(),
			sqlite:    store,
			close:     func() { _ = store.Close() },
		}, cfg, nil
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return backend{}, cfg, err
	}
	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		conn.Close()
		return backend{}, cfg, err
	}
	return backend{
		runs:      repository.NewUploadRunRepository(conn.Pool),
		rowErrors: repository.NewRowErrorRepository(conn.Pool),
		pricing:   repository.NewPricingRepository(conn.Pool),
		close:     conn.Close,
	}, cfg, nil
}

func runIngest(ctx context.Context, out io.Writer, logger *slog.Logger, opts ingestOptions, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	b, cfg, err := openBackend(ctx, opts.backendOptions, logger)
	if err != nil {
		return err
	}
	defer b.close()

	batchSize := cfg.Ingestion.BatchSize
	if opts.batchSize > 0 {
		batchSize = opts.batchSize
	}
	service := ingestion.NewService(b.runs, b.rowErrors, b.pricing,
		ingestion.WithBatchSize(batchSize),
		ingestion.WithErrorBatchSize(cfg.Ingestion.ErrorBatchSize),
		ingestion.WithReferenceCache(cfg.Ingestion.ReferenceCache),
		ingestion.WithLogger(logger),
	)

	summary, err := service.Ingest(ctx, ingestion.Request{
		FileName:   filepath.Base(path),
		UploadedBy: opts.uploadedBy,
		Data:       file,
	})
	if summary.UploadID != uuid.Nil {
		printSummary(out, summary)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted; run %s left in %s: %w", summary.UploadID, domain.UploadStatusProcessing, err)
		}
		return err
	}

	if opts.showErrors && summary.ErrorCount > 0 {
		rowErrors, err := service.ListErrors(ctx, summary.UploadID)
		if err != nil {
			return err
		}
		printRowErrors(out, rowErrors)
	}
	return nil
}

func printSummary(out io.Writer, s ingestion.Summary) {
	fmt.Fprintf(out, "Batch:    %s\n", s.UploadID)
	fmt.Fprintf(out, "Status:   %s\n", s.Status)
	fmt.Fprintf(out, "Rows:     %d total, %d inserted, %d failed\n", s.TotalRows, s.InsertedRows, s.FailedRows)
	fmt.Fprintf(out, "Errors:   %d\n", s.ErrorCount)
}

func printRowErrors(out io.Writer, rowErrors []domain.RowError) {
	fmt.Fprintln(out)
	for _, e := range rowErrors {
		row := "batch"
		if e.RowNumber > 0 {
			row = fmt.Sprintf("row %d", e.RowNumber)
		}
		line := fmt.Sprintf("%-9s %s", row, e.Message)
		if e.RawData != nil {
			line += fmt.Sprintf("  [%s]", *e.RawData)
		}
		fmt.Fprintln(out, line)
	}
}
