package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchq/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalogue {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCatalogue_SaveGet(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	dir := t.TempDir()
	png := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644))

	ended := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, c.Save(ctx, domain.TaskInfo{
		ID: 1, Ref: "pic", URL: "https://example.com/pic.png", Path: png,
		Status: domain.StatusSuccess, Size: 16, Attempts: 1, EndedAt: ended,
	}))

	rec, err := c.Get(ctx, "pic")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.TaskID)
	assert.Equal(t, domain.StatusSuccess, rec.Status)
	assert.Equal(t, "image/png", rec.ContentType)
	assert.Equal(t, int64(16), rec.Size)
	assert.True(t, ended.Equal(rec.FinishedAt))

	missing, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCatalogue_Upsert(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, domain.TaskInfo{ID: 2, Ref: "r", URL: "u", Status: domain.StatusError, Error: "http status 503", Attempts: 6}))
	require.NoError(t, c.Save(ctx, domain.TaskInfo{ID: 3, Ref: "r", URL: "u", Status: domain.StatusSkipped}))

	rec, err := c.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.TaskID)
	assert.Equal(t, domain.StatusSkipped, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestCatalogue_List(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, st := range []domain.TaskStatus{domain.StatusSuccess, domain.StatusError, domain.StatusSuccess} {
		require.NoError(t, c.Save(ctx, domain.TaskInfo{
			ID: uint64(10 + i), URL: "u", Status: st,
			EndedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := c.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "12", all[0].Ref, "newest first, keyed by task id without a ref")

	ok, err := c.List(ctx, domain.StatusSuccess, 10)
	require.NoError(t, err)
	require.Len(t, ok, 2)
	for _, r := range ok {
		assert.Equal(t, domain.StatusSuccess, r.Status)
	}

	one, err := c.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestOpen_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Save(context.Background(), domain.TaskInfo{ID: 1, Ref: "keep", URL: "u", Status: domain.StatusSuccess}))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	rec, err := c.Get(context.Background(), "keep")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
