package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/server"
)

type crawlOptions struct {
	url            string
	depth          int
	dynamic        bool
	followExternal bool
	selectors      string
	backend        string
}

// spec turns the flags into a job request. A negative depth means the
// configured default.
func (o crawlOptions) spec(cfg config.Config) (crawler.JobSpec, error) {
	selectors, err := parseSelectors(o.selectors)
	if err != nil {
		return crawler.JobSpec{}, err
	}
	depth := o.depth
	if depth < 0 {
		depth = cfg.Crawler.MaxDepthDefault
	}
	return crawler.JobSpec{
		StartURL:         o.url,
		MaxDepth:         depth,
		UseDynamicEngine: o.dynamic,
		RestrictDomain:   !o.followExternal,
		Selectors:        selectors,
		Backend:          crawler.Backend(o.backend),
	}.Normalize(), nil
}

func parseSelectors(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var selectors map[string]string
	if err := json.Unmarshal([]byte(raw), &selectors); err != nil {
		return nil, fmt.Errorf("--selectors must be a JSON object of name to CSS selector: %w", err)
	}
	return selectors, nil
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl job and print its final state",
		Long: `Runs a single crawl job in the foreground and prints the final job as
JSON. Interrupting the command stops the job; pages already in flight are
still recorded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			spec, err := opts.spec(cfg)
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, spec, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "start URL (required)")
	cmd.Flags().IntVar(&opts.depth, "depth", -1, "maximum link depth (default from config)")
	cmd.Flags().BoolVar(&opts.dynamic, "dynamic", false, "render pages with headless Chrome")
	cmd.Flags().BoolVar(&opts.followExternal, "follow-external", false, "follow links to other domains")
	cmd.Flags().StringVar(&opts.selectors, "selectors", "", `fields to extract as JSON, e.g. '{"title":"h1"}'`)
	cmd.Flags().StringVar(&opts.backend, "backend", string(crawler.BackendNative), "crawl engine: native or spider")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(ctx context.Context, cfg config.Config, spec crawler.JobSpec, out io.Writer) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			app.Logger().Warn("close application", zap.Error(err))
		}
	}()

	jobs := app.Manager()
	id, err := jobs.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	job, err := jobs.Wait(sigCtx, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		app.Logger().Info("interrupted, stopping job", zap.String("job_id", id))
		jobs.Stop(id)
		if job, err = jobs.Wait(context.Background(), id); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	if job.Status == crawler.JobStatusError {
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
	}
	return nil
}
