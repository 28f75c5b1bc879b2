package cmd

import (
	"context"

	"fetchq/internal/api"
	"fetchq/internal/downloader"
	"fetchq/internal/usecase"
	"fetchq/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}

			backends, err := worker.OpenBackends(context.Background(), cfg, nil)
			if err != nil {
				return err
			}
			defer backends.Close()

			pipeline := backends.Pipeline()
			engine := worker.NewEngine(cfg.Fetch, downloader.WithObserver(pipeline))
			defer engine.Close()

			factory := worker.NewFactory(cfg.Fetch)
			factory.Root = factory.Defaults.Dir
			var opts []api.Option
			if backends.Redis != nil {
				log.Info().Msgf("API server using stream: %s, group: %s", cfg.Redis.StreamKey, cfg.Redis.Group)
				opts = append(opts, api.WithEnqueuer(usecase.Enqueuer{Intake: backends.Redis, Factory: factory}))
			}
			if backends.Catalogue != nil {
				opts = append(opts, api.WithCatalogue(backends.Catalogue))
			}

			server := api.NewServer(engine, factory, pipeline, opts...)
			return server.Run(cfg.API.Port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
