package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const testBucket = "test-bucket"

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: testBucket})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	assert.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	objectName := "pages/example.com/2024-03-01/root_abc.html"
	objectData := []byte("<html>hi</html>")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", testBucket))
		assert.Equal(t, objectName, r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))

		fmt.Fprintln(w, `{ "name": "`+objectName+`", "bucket": "`+testBucket+`" }`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), objectName, "text/html", bytes.NewReader(objectData))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)

	_, err = store.PutObject(context.Background(), " ", "text/html", bytes.NewReader(objectData))
	assert.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "a.html", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestGetObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.Contains(r.URL.Path, "pages/a.html") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>stored</html>"))
	})
	store := newTestStore(t, handler)

	data, err := store.GetObject(context.Background(), "gs://test-bucket/pages/a.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>stored</html>", string(data))

	data, err = store.GetObject(context.Background(), "pages/a.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>stored</html>", string(data))
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "default"}
	tests := []struct {
		ref        string
		wantBucket string
		wantPath   string
		wantErr    bool
	}{
		{"gs://other/a/b.html", "other", "a/b.html", false},
		{"a/b.html", "default", "a/b.html", false},
		{"/a/b.html", "default", "a/b.html", false},
		{"gs://only-bucket", "", "", true},
		{"gs:///path", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		bucket, path, err := store.parseRef(tt.ref)
		if tt.wantErr {
			assert.Error(t, err, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.wantBucket, bucket)
		assert.Equal(t, tt.wantPath, path)
	}
}

func TestPathOf(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "pages-bucket"}
	path, err := store.PathOf("gs://pages-bucket/pages/example.com/a.html")
	require.NoError(t, err)
	assert.Equal(t, "pages/example.com/a.html", path)

	path, err = store.PathOf("pages/example.com/b.html")
	require.NoError(t, err)
	assert.Equal(t, "pages/example.com/b.html", path)

	_, err = store.PathOf("gs://elsewhere/pages/a.html")
	assert.Error(t, err)
}
