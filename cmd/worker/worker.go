package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/birdhub/birdhub/internal/app"
	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

// Command creates the command that runs a standalone notification worker.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a notification worker",
		Long:  "Deliver notification jobs from the shared Redis queue. Run as many workers as needed next to one or more servers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := app.NewWorker(ctx, settings, app.WithLogger(logger.Global().Module("worker")))
			if err != nil {
				return err
			}
			defer w.Close()
			return w.Run(ctx)
		},
	}

	cmd.Flags().Int("concurrency", 0, "Number of concurrent deliveries")
	cmd.Flags().String("redis", "", "Redis URL of the notification queue")
	cmd.Flags().String("consumer", "", "Stable worker name for unacknowledged job recovery, defaults to the hostname")
	if err := viper.BindPFlag("queue.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("queue.redisurl", cmd.Flags().Lookup("redis")); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("queue.consumer", cmd.Flags().Lookup("consumer")); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}
