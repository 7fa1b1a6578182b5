package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	base, err := filepath.Abs(tempDir)
	require.NoError(t, err)

	t.Run("NestedPath", func(t *testing.T) {
		path := "pages/job-1/abc123.html"
		data := []byte("<html>hello</html>")
		uri, err := store.PutObject(context.Background(), path, "text/html", bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.ToSlash(filepath.Join(base, path)), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(base, path))
		require.NoError(t, err)
		require.Equal(t, data, readData)
	})

	t.Run("Overwrite", func(t *testing.T) {
		path := "pages/job-1/same.html"
		_, err := store.PutObject(context.Background(), path, "text/html", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), path, "text/html", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(base, path))
		require.NoError(t, err)
		require.Equal(t, "two", string(readData))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/html", bytes.NewReader([]byte("data")))
		require.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.html", "text/html", bytes.NewReader([]byte("x")))
		require.True(t, errors.Is(err, local.ErrPathEscapes))
	})
}
