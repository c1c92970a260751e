package serve

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

// Command creates the command that runs the HTTP API, the realtime streams
// and the fan-out.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the birdhub server",
		Long:  "Start the HTTP API, realtime streams and detection fan-out. With the memory queue the notification worker runs in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, settings, app.WithLogger(logger.Global().Module("app")))
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", "", "Listen address of the HTTP API")
	cmd.Flags().String("database", "", "Database type (sqlite or mysql)")
	cmd.Flags().String("sqlite-path", "", "Path of the SQLite database")
	cmd.Flags().String("queue", "", "Notification queue type (memory or redis)")
	cmd.Flags().Bool("metrics", true, "Enable Prometheus metrics")

	bindings := map[string]string{
		"server.listen":        "listen",
		"database.type":        "database",
		"database.sqlite.path": "sqlite-path",
		"queue.type":           "queue",
		"metrics.enabled":      "metrics",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}
