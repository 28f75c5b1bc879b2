package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchq/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{Fetch: config.Fetch{
		Concurrency: 2,
		Dir:         t.TempDir(),
		Retries:     1,
		RetryDelay:  time.Millisecond,
		RetryWindow: time.Minute,
		SkipExists:  true,
	}}
}

func TestCollectRequests_ManifestAndLimit(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(manifest, []byte(
		"https://example.com/2.jpg\n# comment\n{\"url\":\"https://example.com/3.jpg\"}\nhttps://example.com/4.jpg\n",
	), 0o644))

	reqs, err := collectRequests(context.Background(), testConfig(t), fetchFlags{manifest: manifest, limit: 3}, []string{"https://example.com/1.jpg"})
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "https://example.com/1.jpg", reqs[0].URL)
	assert.Equal(t, "https://example.com/3.jpg", reqs[2].URL)
}

func TestRunFetch(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("data:" + r.URL.Path))
	}))
	defer origin.Close()

	cfg := testConfig(t)
	err := runFetch(context.Background(), cfg, fetchFlags{}, []string{origin.URL + "/a.txt", origin.URL + "/b.txt"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.Fetch.Dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data:/a.txt", string(data))
	assert.FileExists(t, filepath.Join(cfg.Fetch.Dir, "b.txt"))

	err = runFetch(context.Background(), cfg, fetchFlags{}, []string{origin.URL + "/a.txt", origin.URL + "/bad"})
	assert.ErrorContains(t, err, "1 of 2 downloads failed")

	err = runFetch(context.Background(), cfg, fetchFlags{}, nil)
	assert.ErrorContains(t, err, "nothing to download")
}

func TestSetLogLevel(t *testing.T) {
	assert.NoError(t, setLogLevel(""))
	assert.NoError(t, setLogLevel("WARN"))
	assert.Error(t, setLogLevel("loud"))
	require.NoError(t, setLogLevel("info"))
}
