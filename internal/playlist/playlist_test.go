package playlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"fetchq/internal/domain"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
high/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:10.0,
https://cdn.example.com/abs/seg2.m4s?token=1
#EXT-X-ENDLIST
`

func hlsServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var referers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referers = append(referers, r.Header.Get("Referer"))
		switch r.URL.Path {
		case "/master.m3u8":
			_, _ = w.Write([]byte(masterPlaylist))
		case "/high/index.m3u8", "/media.m3u8":
			_, _ = w.Write([]byte(mediaPlaylist))
		case "/broken.m3u8":
			_, _ = w.Write([]byte("not a playlist"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &referers
}

func TestExpand_MasterFollowsBestVariant(t *testing.T) {
	srv, referers := hlsServer(t)
	dir := t.TempDir()

	e := Expander{Headers: map[string]string{"Referer": "https://site.example/"}}
	reqs, err := e.Expand(context.Background(), srv.URL+"/master.m3u8", dir)
	require.NoError(t, err)
	require.Len(t, reqs, 4)

	assert.Equal(t, srv.URL+"/high/key.bin", reqs[0].URL)
	assert.True(t, strings.HasSuffix(reqs[0].Path, ".key"))

	assert.Equal(t, srv.URL+"/high/seg0.ts", reqs[1].URL)
	assert.Equal(t, filepath.Join(dir, "00001.ts"), reqs[1].Path)
	assert.Equal(t, filepath.Join(dir, "00002.ts"), reqs[2].Path)
	assert.Equal(t, "https://cdn.example.com/abs/seg2.m4s?token=1", reqs[3].URL)
	assert.Equal(t, filepath.Join(dir, "00003.m4s"), reqs[3].Path)

	for _, r := range reqs {
		assert.Equal(t, "https://site.example/", r.Headers["Referer"])
	}
	assert.Equal(t, []string{"https://site.example/", "https://site.example/"}, *referers)
}

func TestExpand_Errors(t *testing.T) {
	srv, _ := hlsServer(t)
	e := Expander{}

	_, err := e.Expand(context.Background(), srv.URL+"/missing.m3u8", t.TempDir())
	assert.Equal(t, 404, domain.StatusCode(err))

	_, err = e.Expand(context.Background(), srv.URL+"/broken.m3u8", t.TempDir())
	assert.Error(t, err)
}

func TestBestVariant(t *testing.T) {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(masterPlaylist), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MASTER, listType)

	v := BestVariant(p.(*m3u8.MasterPlaylist))
	require.NotNil(t, v)
	assert.Equal(t, "high/index.m3u8", v.URI)

	assert.Nil(t, BestVariant(&m3u8.MasterPlaylist{}))
}

func TestPlan_DeduplicatesKeys(t *testing.T) {
	p, _, err := m3u8.DecodeFrom(strings.NewReader(mediaPlaylist), true)
	require.NoError(t, err)
	base, _ := url.Parse("https://origin.example/v/media.m3u8")

	reqs := Plan(p.(*m3u8.MediaPlaylist), base, "/out", nil)
	keys := 0
	for _, r := range reqs {
		if strings.HasSuffix(r.Path, ".key") {
			keys++
		}
	}
	assert.Equal(t, 1, keys)
	assert.Equal(t, "https://origin.example/v/seg1.ts", reqs[2].URL)
}

func TestReadManifest(t *testing.T) {
	in := `# pixiv bookmarks
https://i.example.net/img/1_p0.jpg

{"id":"two","url":"https://i.example.net/img/2_p0.png","headers":{"Referer":"https://www.pixiv.net/"},"retries":2}
`
	reqs, err := ReadManifest(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "https://i.example.net/img/1_p0.jpg", reqs[0].URL)
	assert.Equal(t, "two", reqs[1].ID)
	assert.Equal(t, "https://www.pixiv.net/", reqs[1].Headers["Referer"])
	assert.Equal(t, 2, reqs[1].Retries)

	_, err = ReadManifest(strings.NewReader("{broken\n"))
	assert.ErrorContains(t, err, "line 1")
}
