package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestBuild_EndToEndCrawl(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><h1>Welcome</h1><a href="/next">next</a></body></html>`)
		case "/next":
			fmt.Fprint(w, `<html><head><title>Next</title></head><body><h1>Second</h1></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(site.Close)

	archiveDir := t.TempDir()
	cfg := testConfig(t)
	cfg.Archive.Provider = config.ArchiveLocal
	cfg.Archive.BaseDir = archiveDir

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})

	body := fmt.Sprintf(`{"start_url":%q,"max_depth":1,"selectors":{"heading":"h1"}}`, site.URL)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.JobID)

	job, err := app.Manager().Wait(context.Background(), started.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.EqualValues(t, 2, job.PagesCrawled)

	records, err := app.Records().QueryRecords(context.Background(), crawler.RecordQuery{URLContains: "/next"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, crawler.FieldValue{"Second"}, records[0].Fields["heading"])
	require.NotEmpty(t, records[0].ArchiveURI)

	archived, err := filepath.Glob(filepath.Join(archiveDir, "*", started.JobID, "*.html"))
	require.NoError(t, err)
	require.Len(t, archived, 2)
	data, err := os.ReadFile(archived[0])
	require.NoError(t, err)
	require.Contains(t, string(data), "<h1>")
}

func TestBuild_DynamicJobFailsWithoutHeadless(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	id, err := app.Manager().Start(context.Background(), crawler.JobSpec{
		StartURL:         "https://example.com",
		MaxDepth:         1,
		UseDynamicEngine: true,
		RestrictDomain:   true,
		Backend:          crawler.BackendNative,
	})
	require.NoError(t, err)

	job, err := app.Manager().Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Contains(t, job.ErrorMessage, crawler.ErrDynamicUnavailable.Error())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.Crawler.RespectRobots = false
	cfg.Crawler.Concurrency = 2
	cfg.Crawler.RetryBackoff = time.Millisecond
	cfg.Crawler.RetryBackoffMax = time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}
