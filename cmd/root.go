// Package cmd defines the sitecrawler command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/config"
)

type rootOptions struct {
	cfgFile string
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Concurrent site crawler with CSS-selector field extraction.",
		Long: `sitecrawler walks a website breadth-first from a start URL, extracts
named fields from every page with CSS selectors and stores one record per
page. Jobs run from the command line or through the HTTP control surface.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newAnalyzeCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newScreenshotCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
