package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"fetchq/internal/domain"

	"github.com/google/uuid"
)

// Factory turns serialisable requests into engine tasks, filling in
// process-wide defaults.
type Factory struct {
	Defaults  domain.TaskOptions
	Headers   map[string]string
	UserAgent string
	// Root, when set, confines request paths and dirs to that directory.
	// Relative ones are taken relative to it.
	Root string
}

// Validate normalises req in place. It assigns an id when the producer did
// not supply one.
func (f Factory) Validate(req *domain.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", req.URL)
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if err := f.confine(&req.Path); err != nil {
		return err
	}
	return f.confine(&req.Dir)
}

func (f Factory) confine(p *string) error {
	if *p == "" || f.Root == "" {
		return nil
	}
	target := *p
	if !filepath.IsAbs(target) {
		target = filepath.Join(f.Root, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(f.Root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q is outside %s", *p, f.Root)
	}
	*p = target
	return nil
}

// Task builds a task for req. The returned task carries req.ID as its Ref.
func (f Factory) Task(req domain.Request, hooks domain.Hooks) (*domain.Task, error) {
	if err := f.Validate(&req); err != nil {
		return nil, err
	}

	opts := f.Defaults
	if req.Path != "" {
		opts.Path = req.Path
	}
	if req.Dir != "" {
		opts.Dir = req.Dir
	}
	if req.SkipExists != nil {
		opts.SkipExists = *req.SkipExists
	}
	if req.Retries > 0 {
		opts.Retries = req.Retries
	}

	headers := make(http.Header)
	for k, v := range f.Headers {
		headers.Set(k, v)
	}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	if headers.Get("User-Agent") == "" && f.UserAgent != "" {
		headers.Set("User-Agent", f.UserAgent)
	}

	method, target := req.Method, req.URL
	build := func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		r.Header = headers.Clone()
		return r, nil
	}

	t := domain.NewTask(build, target, opts, hooks)
	t.Ref = req.ID
	return t, nil
}
