package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fetchq/internal/domain"
	"fetchq/pkg/backoff"

	"github.com/rs/zerolog"
)

// PartSuffix marks the file a transfer writes into before it is renamed to
// its final path.
const PartSuffix = ".part"

// download runs the attempt loop of one task.
func (e *Engine) download(ctx context.Context, t *domain.Task) (domain.TaskStatus, error) {
	logger := zerolog.Ctx(ctx)
	opts := &t.Options

	if opts.Path != "" {
		if !filepath.IsAbs(opts.Path) {
			return domain.StatusError, &domain.PathResolutionError{URL: t.URL, Err: domain.ErrPathNotAbsolute}
		}
		if opts.SkipExists && exists(opts.Path) {
			return domain.StatusSkipped, nil
		}
	}

	req, err := t.BuildRequest(ctx)
	if err != nil {
		return domain.StatusError, err
	}
	logger.Info().Str("url", t.URL).Msg("starting task")

	if opts.Path == "" {
		path, err := e.resolvePath(ctx, req, opts.Dir)
		if err != nil {
			return domain.StatusError, err
		}
		opts.Path = path
		if opts.SkipExists && exists(path) {
			return domain.StatusSkipped, nil
		}
	}
	path := opts.Path

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.StatusError, &domain.FilesystemError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	part := path + PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return domain.StatusError, &domain.FilesystemError{Op: "open", Path: part, Err: err}
	}
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	window := backoff.NewWindow(e.retryWindow)
	for {
		t.Attempts++
		err := e.attempt(ctx, t, f, req)
		if err == nil {
			break
		}
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			return domain.StatusError, err
		}
		if failures := window.Record(); failures > max(opts.Retries, 0) {
			return domain.StatusError, err
		}

		logger.Warn().Err(err).Int("attempt", t.Attempts).Dur("delay", e.retryDelay).Msg("attempt failed, retrying")
		if err := sleep(ctx, e.retryDelay); err != nil {
			return domain.StatusError, err
		}
		if req, err = t.BuildRequest(ctx); err != nil {
			return domain.StatusError, err
		}
	}

	if err := f.Close(); err != nil {
		f = nil
		return domain.StatusError, &domain.FilesystemError{Op: "close", Path: part, Err: err}
	}
	f = nil
	if err := os.Rename(part, path); err != nil {
		return domain.StatusError, &domain.FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return domain.StatusSuccess, nil
}

// attempt performs a single request, appending the body to f.
func (e *Engine) attempt(ctx context.Context, t *domain.Task, f *os.File, req *http.Request) error {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return &domain.FilesystemError{Op: "seek", Path: f.Name(), Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &domain.TransportError{URL: t.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxErrorBody))
		return &domain.HTTPStatusError{URL: t.URL, StatusCode: resp.StatusCode, Body: body}
	}

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// range ignored, the body starts at byte zero
		zerolog.Ctx(ctx).Debug().Int64("offset", offset).Msg("server ignored range, restarting")
		if err := f.Truncate(0); err != nil {
			return &domain.FilesystemError{Op: "truncate", Path: f.Name(), Err: err}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return &domain.FilesystemError{Op: "seek", Path: f.Name(), Err: err}
		}
		offset = 0
	}

	if total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
		t.TotalSize = total
	}

	n, err := io.Copy(fileWriter{f}, resp.Body)
	t.Size = offset + n
	if err != nil {
		var fe *domain.FilesystemError
		if errors.As(err, &fe) {
			return fe
		}
		return &domain.TransportError{URL: t.URL, Err: err}
	}
	return nil
}

// resolvePath probes the URL with HEAD and derives a file name inside dir.
func (e *Engine) resolvePath(ctx context.Context, req *http.Request, dir string) (string, error) {
	target := req.URL.String()
	if dir == "" {
		return "", &domain.PathResolutionError{URL: target, Err: domain.ErrPathNotSet}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", &domain.PathResolutionError{URL: target, Err: err}
	}

	probe, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return "", &domain.PathResolutionError{URL: target, Err: err}
	}
	probe.Header = req.Header.Clone()

	resp, err := e.client.Do(probe)
	if err != nil {
		return "", &domain.PathResolutionError{URL: target, Err: fmt.Errorf("probe: %w", err)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	var name string
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		name = filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	}
	if name == "" {
		final := req.URL
		if resp.Request != nil && resp.Request.URL != nil {
			final = resp.Request.URL
		}
		name = filenameFromURL(final)
	}
	if name == "" {
		return "", &domain.PathResolutionError{URL: target, Err: domain.ErrNoFilename}
	}
	return filepath.Join(dir, name), nil
}

// parseContentRange returns the complete length from "bytes a-b/total".
func parseContentRange(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// fileWriter tags write failures so they are not mistaken for read failures.
type fileWriter struct{ f *os.File }

func (w fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &domain.FilesystemError{Op: "write", Path: w.f.Name(), Err: err}
	}
	return n, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
