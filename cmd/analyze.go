package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/report"
	"github.com/JakeFAU/sitecrawler/internal/server"
)

const defaultAnalyzeLimit = 10000

var errNoRecords = errors.New("no records found")

type analyzeOptions struct {
	output string
	limit  int
}

func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	opts := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <site>",
		Short: "Summarize the stored records of one site",
		Long: `Builds a report over every stored record whose URL contains <site>:
pages per host and registrable domain, depth distribution, field coverage
and warnings. The report is printed, or written as JSON with --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return runAnalyze(cmd.Context(), app.Records(), args[0], opts, time.Now().UTC(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.output, "output", "", "write the report as JSON to this file")
	cmd.Flags().IntVar(&opts.limit, "limit", defaultAnalyzeLimit, "maximum records to analyze")
	return cmd
}

func runAnalyze(
	ctx context.Context,
	records crawler.RecordStore,
	site string,
	opts analyzeOptions,
	now time.Time,
	out io.Writer,
) error {
	if opts.limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	found, err := records.QueryRecords(ctx, crawler.RecordQuery{URLContains: site, Limit: opts.limit})
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	if len(found) == 0 {
		return fmt.Errorf("%w for %q", errNoRecords, site)
	}

	r := report.Build(site, found, now)
	if opts.output == "" {
		return report.WriteText(out, r)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	fmt.Fprintf(out, "analysis report for %s saved to %s\n", site, opts.output)
	return nil
}
