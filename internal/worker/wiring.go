package worker

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"fetchq/internal/config"
	"fetchq/internal/domain"
	"fetchq/internal/downloader"
	"fetchq/internal/infra/redisq"
	"fetchq/internal/infra/s3mirror"
	"fetchq/internal/infra/sqlite"
	"fetchq/internal/ports"
	"fetchq/internal/usecase"

	"github.com/rs/zerolog/log"
)

// NewHTTPClient returns the client shared by every download.
func NewHTTPClient(cfg config.Fetch) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	tr.MaxIdleConnsPerHost = max(cfg.Concurrency, 2)
	return &http.Client{Transport: tr}
}

func NewEngine(cfg config.Fetch, opts ...downloader.Option) *downloader.Engine {
	opts = append([]downloader.Option{
		downloader.WithLogger(log.Logger),
		downloader.WithRetryDelay(cfg.RetryDelay),
		downloader.WithRetryWindow(cfg.RetryWindow),
	}, opts...)
	return downloader.New(NewHTTPClient(cfg), cfg.Concurrency, opts...)
}

func NewFactory(cfg config.Fetch) usecase.Factory {
	dir := cfg.Dir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return usecase.Factory{
		Defaults: domain.TaskOptions{
			Dir:        dir,
			SkipExists: cfg.SkipExists,
			Retries:    cfg.Retries,
		},
		Headers:   cfg.Headers,
		UserAgent: cfg.UserAgent,
	}
}

// Backends are the optional result stores selected by configuration.
type Backends struct {
	Redis     *redisq.Client
	Catalogue *sqlite.Catalogue
	Mirror    *s3mirror.Mirror
}

// OpenBackends connects every configured store. rdb is reused when the
// caller already holds a Redis client.
func OpenBackends(ctx context.Context, cfg *config.Config, rdb *redisq.Client) (*Backends, error) {
	b := &Backends{Redis: rdb}
	if b.Redis == nil && cfg.Redis.Enabled {
		b.Redis = redisq.New(cfg.Redis)
		if err := b.Redis.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.SQLite.Enabled {
		c, err := sqlite.Open(cfg.SQLite.DataDir)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Catalogue = c
		log.Info().Str("dir", cfg.SQLite.DataDir).Msg("sqlite catalogue ready")
	}
	if cfg.S3.Bucket != "" {
		m, err := s3mirror.New(ctx, cfg.S3, cfg.Fetch.Dir)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Mirror = m
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("s3 mirror ready")
	}
	return b, nil
}

// Pipeline runs the local catalogue first so a slow upload never delays it.
func (b *Backends) Pipeline() usecase.Pipeline {
	var sinks []ports.ResultSink
	if b.Catalogue != nil {
		sinks = append(sinks, b.Catalogue)
	}
	if b.Redis != nil {
		sinks = append(sinks, b.Redis)
	}
	if b.Mirror != nil {
		sinks = append(sinks, b.Mirror)
	}
	return usecase.Pipeline{Sinks: sinks}
}

func (b *Backends) Close() error {
	var errs []error
	if b.Catalogue != nil {
		errs = append(errs, b.Catalogue.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}
