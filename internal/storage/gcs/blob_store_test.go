package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type uploadLog struct {
	mu      sync.Mutex
	names   []string
	bodies  []string
	paths   []string
}

func (l *uploadLog) record(name, body, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
	l.bodies = append(l.bodies, body)
	l.paths = append(l.paths, path)
}

func fakeGCS(t *testing.T, log *uploadLog, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/b/artifacts/o"):
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			name := r.URL.Query().Get("name")
			log.record(name, string(body), r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"bucket":"artifacts","name":%q}`, name)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/artifacts"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprint(w, `{"name":"artifacts"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testClient(t *testing.T, url string) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(url), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	srv := fakeGCS(t, &uploadLog{}, http.StatusOK)
	defer srv.Close()
	_, err = New(testClient(t, srv.URL), Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	log := &uploadLog{}
	srv := fakeGCS(t, log, http.StatusOK)
	defer srv.Close()

	store, err := New(testClient(t, srv.URL), Config{Bucket: "artifacts", Prefix: "/kakuyomu/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "run-1/page_1.html", "text/html", strings.NewReader("<html>listing</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://artifacts/kakuyomu/run-1/page_1.html", uri)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Equal(t, []string{"kakuyomu/run-1/page_1.html"}, log.names)
	require.Contains(t, log.bodies[0], "<html>listing</html>")
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	srv := fakeGCS(t, &uploadLog{}, http.StatusForbidden)
	defer srv.Close()

	store, err := New(testClient(t, srv.URL), Config{Bucket: "artifacts"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "page_1.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	ok := fakeGCS(t, &uploadLog{}, http.StatusOK)
	defer ok.Close()
	store, err := Open(context.Background(), Config{Bucket: "artifacts"},
		option.WithEndpoint(ok.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	denied := fakeGCS(t, &uploadLog{}, http.StatusForbidden)
	defer denied.Close()
	_, err = Open(context.Background(), Config{Bucket: "artifacts"},
		option.WithEndpoint(denied.URL), option.WithoutAuthentication())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
