package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "pages/job-1/abc.html", "text/html", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/job-1/abc.html", uri)

	got, ok := store.Object("pages/job-1/abc.html")
	require.True(t, ok)
	got[0] = 'C'

	again, _ := store.Object("pages/job-1/abc.html")
	require.Equal(t, "content", string(again))

	_, ok = store.Object("missing")
	require.False(t, ok)
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestBlobStoreReaderError(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "x", "", failingReader{})
	require.ErrorContains(t, err, "boom")
}
