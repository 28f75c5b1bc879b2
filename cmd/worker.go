package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fetchq/internal/worker"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		baseBackoff  time.Duration
		maxBackoff   time.Duration
		maxInFlight  int
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker consuming the Redis request stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return worker.Run(ctx, cfg, worker.Config{
				ConsumerName: consumerName,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
				MaxInFlight:  maxInFlight,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")
	command.Flags().IntVar(&maxInFlight, "max-in-flight", 64, "Maximum claimed requests not yet finished")

	return command
}
