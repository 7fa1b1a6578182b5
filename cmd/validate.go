package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/linkcheck"
	"github.com/JakeFAU/sitecrawler/internal/logging"
)

type validateOptions struct {
	urls    []string
	urlFile string
	output  string
	workers int
	timeout time.Duration
	verbose bool
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	opts := validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that URLs are well formed and reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			urls, err := opts.collectURLs()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return runValidate(cmd, cfg, urls, opts, logger)
		},
	}
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "URL to validate (repeatable)")
	cmd.Flags().StringVar(&opts.urlFile, "url-file", "", "file with one URL per line")
	cmd.Flags().StringVar(&opts.output, "output", "", "write the results as JSON to this file")
	cmd.Flags().IntVar(&opts.workers, "workers", 10, "parallel checks")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-URL timeout")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "list redirects and failures")
	return cmd
}

func (o validateOptions) collectURLs() ([]string, error) {
	urls := append([]string(nil), o.urls...)
	if o.urlFile != "" {
		f, err := os.Open(o.urlFile)
		if err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
		defer f.Close()
		fromFile, err := readURLs(f)
		if err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("either --url or --url-file must be given")
	}
	return urls, nil
}

func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

func runValidate(cmd *cobra.Command, cfg config.Config, urls []string, opts validateOptions, logger *zap.Logger) error {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       opts.timeout,
	})
	logger.Info("validating urls", zap.Int("count", len(urls)), zap.Int("workers", opts.workers))
	result, err := linkcheck.New(fetcher, opts.workers, opts.timeout, logger).Check(cmd.Context(), urls)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if err := writeValidation(cmd.OutOrStdout(), result, opts.verbose); err != nil {
		return err
	}
	if opts.output == "" {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	logger.Info("validation results saved", zap.String("path", opts.output))
	return nil
}

func writeValidation(w io.Writer, r linkcheck.Report, verbose bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "===== URL validation =====\n")
	fmt.Fprintf(&b, "Total URLs: %d\n", r.Summary.Total)
	fmt.Fprintf(&b, "Invalid format: %d\n", r.Summary.InvalidFormat)
	fmt.Fprintf(&b, "Accessible: %d\n", r.Summary.Accessible)
	fmt.Fprintf(&b, "Redirects: %d\n", r.Summary.Redirects)
	fmt.Fprintf(&b, "Errors: %d\n", r.Summary.Errors)
	if verbose {
		for _, res := range r.Results {
			switch {
			case !res.ValidFormat:
				fmt.Fprintf(&b, "  invalid: %s\n", res.URL)
			case !res.Accessible:
				fmt.Fprintf(&b, "  error: %s (status %d)\n", res.URL, res.StatusCode)
			case res.Redirected:
				fmt.Fprintf(&b, "  redirect: %s -> %s\n", res.URL, res.FinalURL)
			}
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
