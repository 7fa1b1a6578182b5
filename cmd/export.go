package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/export"
	"github.com/JakeFAU/sitecrawler/internal/server"
)

type exportOptions struct {
	format    string
	output    string
	urlFilter string
	limit     int
}

func newExportCmd(root *rootOptions) *cobra.Command {
	opts := exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored records as CSV or JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := export.ParseFormat(opts.format)
			if err != nil {
				return err
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if err := app.Close(context.Background()); err != nil {
					app.Logger().Warn("close application", zap.Error(err))
				}
			}()

			path := opts.output
			if path == "" {
				path = format.Filename(time.Now())
			}
			n, err := exportToFile(cmd.Context(), app.Records(), format, opts, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", string(export.FormatCSV), "csv or json")
	cmd.Flags().StringVar(&opts.output, "output", "", "output file (default crawl_export_<timestamp>.<format>)")
	cmd.Flags().StringVar(&opts.urlFilter, "url-filter", "", "only export records whose URL contains this text")
	cmd.Flags().IntVar(&opts.limit, "limit", export.DefaultLimit, "maximum records to export")
	return cmd
}

func exportToFile(
	ctx context.Context,
	records crawler.RecordStore,
	format export.Format,
	opts exportOptions,
	path string,
) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return exportRecords(ctx, records, format, opts, f)
}

func exportRecords(
	ctx context.Context,
	records crawler.RecordStore,
	format export.Format,
	opts exportOptions,
	w io.Writer,
) (int, error) {
	if opts.limit <= 0 {
		return 0, fmt.Errorf("--limit must be positive")
	}
	found, err := records.QueryRecords(ctx, crawler.RecordQuery{URLContains: opts.urlFilter, Limit: opts.limit})
	if err != nil {
		return 0, fmt.Errorf("query records: %w", err)
	}
	if err := export.Write(w, format, found); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return len(found), nil
}
