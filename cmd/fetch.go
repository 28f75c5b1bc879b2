package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fetchq/internal/config"
	"fetchq/internal/domain"
	"fetchq/internal/downloader"
	"fetchq/internal/playlist"
	"fetchq/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type fetchFlags struct {
	manifest    string
	hls         string
	dir         string
	concurrency int
	retries     int
	limit       int
	noSkip      bool
	summary     bool
}

func fetchCmd() *cobra.Command {
	var f fetchFlags
	var command = &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Download URLs, a manifest or an HLS playlist and wait for completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyFetchFlags(cmd, &cfg.Fetch, f)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, cfg, f, args)
		},
	}

	command.Flags().StringVarP(&f.manifest, "manifest", "m", "", "File with one URL or JSON request per line (- for stdin)")
	command.Flags().StringVar(&f.hls, "hls", "", "HLS playlist URL to download segment by segment")
	command.Flags().StringVarP(&f.dir, "dir", "d", "", "Destination directory")
	command.Flags().IntVarP(&f.concurrency, "concurrency", "c", 0, "Maximum parallel downloads")
	command.Flags().IntVar(&f.retries, "retries", 0, "Failures tolerated per retry window")
	command.Flags().IntVar(&f.limit, "limit", 0, "Submit at most this many downloads")
	command.Flags().BoolVar(&f.noSkip, "no-skip", false, "Download even when the destination exists")
	command.Flags().BoolVar(&f.summary, "summary", false, "Print every finished task as JSON")
	return command
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	// the flag wins over LOG_LEVEL
	if logLevel == "" {
		if err := setLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyFetchFlags(cmd *cobra.Command, c *config.Fetch, f fetchFlags) {
	if cmd.Flags().Changed("dir") {
		c.Dir = f.dir
	}
	if cmd.Flags().Changed("concurrency") {
		c.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("retries") {
		c.Retries = f.retries
	}
	if f.noSkip {
		c.SkipExists = false
	}
}

func collectRequests(ctx context.Context, cfg *config.Config, f fetchFlags, args []string) ([]domain.Request, error) {
	var reqs []domain.Request
	for _, u := range args {
		reqs = append(reqs, domain.Request{URL: u})
	}

	if f.manifest != "" {
		in := os.Stdin
		if f.manifest != "-" {
			file, err := os.Open(f.manifest)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			in = file
		}
		more, err := playlist.ReadManifest(in)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, more...)
	}

	if f.hls != "" {
		dir := worker.NewFactory(cfg.Fetch).Defaults.Dir
		e := playlist.Expander{Client: worker.NewHTTPClient(cfg.Fetch), Headers: cfg.Fetch.Headers}
		more, err := e.Expand(ctx, f.hls, dir)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", f.hls, err)
		}
		log.Info().Str("playlist", f.hls).Int("files", len(more)).Msg("playlist expanded")
		reqs = append(reqs, more...)
	}

	if f.limit > 0 && len(reqs) > f.limit {
		log.Info().Int("limit", f.limit).Int("dropped", len(reqs)-f.limit).Msg("limit reached")
		reqs = reqs[:f.limit]
	}
	return reqs, nil
}

func runFetch(ctx context.Context, cfg *config.Config, f fetchFlags, args []string) error {
	reqs, err := collectRequests(ctx, cfg, f, args)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return fmt.Errorf("nothing to download")
	}

	backends, err := worker.OpenBackends(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer backends.Close()

	factory := worker.NewFactory(cfg.Fetch)
	pipeline := backends.Pipeline()
	tasks := make([]*domain.Task, 0, len(reqs))
	for _, req := range reqs {
		t, err := factory.Task(req, pipeline.Hooks())
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	engine := worker.NewEngine(cfg.Fetch, downloader.WithObserver(pipeline))
	defer engine.Close()
	if err := engine.SubmitBatch(ctx, tasks); err != nil {
		return err
	}
	if err := engine.Drain(ctx); err != nil {
		return err
	}

	st, err := engine.Stats(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("success", st.Success).
		Int("skipped", st.Skipped).
		Int("failed", st.Failed).
		Msg("all downloads finished")

	if f.summary {
		finished, err := engine.Finished(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, info := range finished {
			if err := enc.Encode(info); err != nil {
				return err
			}
		}
	}
	if st.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", st.Failed, st.Finished)
	}
	return nil
}
