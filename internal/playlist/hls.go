// Package playlist turns playlists and manifests into download requests.
package playlist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"

	"fetchq/internal/domain"

	"github.com/grafov/m3u8"
)

var ErrNoVariants = errors.New("master playlist has no variants")

// Expander fetches HLS playlists and plans one request per segment and key.
type Expander struct {
	Client  *http.Client
	Headers map[string]string
}

// Expand resolves playlistURL into requests writing to dir. A master
// playlist is followed to its highest bandwidth variant.
func (e Expander) Expand(ctx context.Context, playlistURL, dir string) ([]domain.Request, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, err
	}

	p, listType, err := e.fetch(ctx, base)
	if err != nil {
		return nil, err
	}
	if listType == m3u8.MASTER {
		v := BestVariant(p.(*m3u8.MasterPlaylist))
		if v == nil {
			return nil, ErrNoVariants
		}
		if base, err = base.Parse(v.URI); err != nil {
			return nil, err
		}
		p, listType, err = e.fetch(ctx, base)
		if err != nil {
			return nil, err
		}
		if listType != m3u8.MEDIA {
			return nil, fmt.Errorf("variant %s is not a media playlist", base)
		}
	}

	return Plan(p.(*m3u8.MediaPlaylist), base, dir, e.Headers), nil
}

func (e Expander) fetch(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxErrorBody))
		return nil, 0, &domain.HTTPStatusError{URL: u.String(), StatusCode: resp.StatusCode, Body: body}
	}

	p, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("decode playlist %s: %w", u, err)
	}
	return p, listType, nil
}

// BestVariant returns the variant with the highest advertised bandwidth.
func BestVariant(p *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// Plan lists the segments of p as numbered files in dir, plus every
// distinct key file named by the hash of its URL.
func Plan(p *m3u8.MediaPlaylist, base *url.URL, dir string, headers map[string]string) []domain.Request {
	var out []domain.Request
	seenKeys := make(map[string]bool)

	addKey := func(k *m3u8.Key) {
		if k == nil || k.URI == "" || k.Method == "NONE" {
			return
		}
		full := resolve(base, k.URI)
		sum := md5.Sum([]byte(full))
		name := hex.EncodeToString(sum[:]) + ".key"
		if seenKeys[name] {
			return
		}
		seenKeys[name] = true
		out = append(out, domain.Request{
			URL:     full,
			Headers: headers,
			Path:    filepath.Join(dir, name),
		})
	}

	addKey(p.Key)
	n := 0
	for _, seg := range p.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		n++
		addKey(seg.Key)

		full := resolve(base, seg.URI)
		ext := ".ts"
		if u, err := url.Parse(full); err == nil {
			if e := path.Ext(u.Path); e != "" {
				ext = e
			}
		}
		name := fmt.Sprintf("%05d%s", n, ext)
		out = append(out, domain.Request{
			URL:     full,
			Headers: headers,
			Path:    filepath.Join(dir, name),
		})
	}
	return out
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
