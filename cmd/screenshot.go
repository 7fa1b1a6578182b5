package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	headlessfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
)

const (
	screenshotDir         = "screenshots"
	maxScreenshotFilename = 100
)

var (
	schemePrefix        = regexp.MustCompile(`^https?://`)
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

type screenshotter interface {
	Screenshot(ctx context.Context, rawURL string) ([]byte, error)
}

func newScreenshotCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "screenshot <url>",
		Short: "Render a page in headless Chrome and save a full-page PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			browser, err := newScreenshotBrowser(cfg)
			if err != nil {
				return err
			}
			defer browser.Close()

			path, err := takeScreenshot(cmd.Context(), browser, args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "screenshot saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output file (default screenshots/<url>.png)")
	return cmd
}

// newScreenshotBrowser starts a single-tab browser whatever headless.enabled
// says, since the command asks for one explicitly.
func newScreenshotBrowser(cfg config.Config) (*headlessfetcher.Fetcher, error) {
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       1,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
		SettleDelay:       cfg.Headless.SettleDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("headless browser init failed: %w", err)
	}
	return browser, nil
}

func takeScreenshot(ctx context.Context, browser screenshotter, rawURL, output string) (string, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	path := output
	if path == "" {
		path = filepath.Join(screenshotDir, screenshotFilename(normalized)+".png")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	image, err := browser.Screenshot(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", normalized, err)
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// screenshotFilename flattens a URL into a filesystem-safe name. Long names
// keep a prefix and gain a digest of the full URL so they stay unique.
func screenshotFilename(rawURL string) string {
	name := unsafeFilenameChars.ReplaceAllString(schemePrefix.ReplaceAllString(rawURL, ""), "_")
	if len(name) <= maxScreenshotFilename {
		return name
	}
	digest, _ := sha256.New().Hash([]byte(rawURL))
	return name[:50] + "_" + digest[:16]
}
