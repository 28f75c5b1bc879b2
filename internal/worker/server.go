package worker

import (
	"context"
	"errors"
	"time"

	"fetchq/internal/config"
	"fetchq/internal/downloader"
	"fetchq/internal/infra/redisq"
	"fetchq/internal/usecase"

	"github.com/rs/zerolog/log"
)

type Config struct {
	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxInFlight  int
	Block        time.Duration
}

// Run consumes the Redis intake stream until ctx is cancelled. On shutdown
// running downloads are aborted; their requests stay pending in the consumer
// group and resume from the partial file when claimed again.
func Run(ctx context.Context, appCfg *config.Config, cfg Config) error {
	cli := redisq.New(appCfg.Redis)
	if err := cli.Init(ctx); err != nil {
		_ = cli.Close()
		return err
	}

	backends, err := OpenBackends(ctx, appCfg, cli)
	if err != nil {
		return err
	}
	defer backends.Close()

	factory := NewFactory(appCfg.Fetch)
	factory.Root = factory.Defaults.Dir
	pipeline := backends.Pipeline()
	consumer := &usecase.Consumer{
		Intake:       cli,
		Factory:      factory,
		Pipeline:     pipeline,
		ConsumerName: cfg.ConsumerName,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		MaxInFlight:  cfg.MaxInFlight,
		Block:        cfg.Block,
	}
	engine := NewEngine(appCfg.Fetch,
		downloader.WithObserver(pipeline),
		downloader.WithObserver(consumer),
	)
	defer engine.Close()
	consumer.Engine = engine

	logger := log.With().Str("consumer", cfg.ConsumerName).Str("engine", engine.RunID()).Logger()
	ctx = logger.WithContext(ctx)

	reporter := redisq.NewReporter(cli, appCfg.Redis.StatsInterval, engine.Stats, cfg.ConsumerName)
	go func() {
		if err := reporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("stats reporter stopped with error")
		}
	}()

	logger.Info().Str("stream", appCfg.Redis.StreamKey).Msg("worker started")
	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Int("outstanding", engine.Outstanding()).Msg("worker stopping")
		return nil
	}
	return err
}
