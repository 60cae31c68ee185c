package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/page_1.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/page_1.html", uri)

	payload[0] = 'C'
	got, contentType, ok := store.Get("run/page_1.html")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "text/html", contentType)

	got[0] = 'X'
	again, _, _ := store.Get("run/page_1.html")
	require.Equal(t, "content", string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, p := range []string{"run/scrape_summary.txt", "run/page_2.html", "run/page_1.html"} {
		_, err := store.PutObject(ctx, p, "text/plain", strings.NewReader(p))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"run/page_1.html", "run/page_2.html", "run/scrape_summary.txt"}, store.Paths())

	_, _, ok := store.Get("missing")
	require.False(t, ok)

	_, err := store.PutObject(ctx, "", "text/plain", strings.NewReader("x"))
	require.Error(t, err)
}
