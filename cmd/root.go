package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/birdhub/birdhub/cmd/serve"
	"github.com/birdhub/birdhub/cmd/taxonomy"
	"github.com/birdhub/birdhub/cmd/version"
	"github.com/birdhub/birdhub/cmd/worker"
	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

// RootCommand creates and returns the root command. Subcommands receive the
// settings pointer, which is filled once flags are parsed.
func RootCommand() *cobra.Command {
	settings := &conf.Settings{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "birdhub",
		Short:        "birdhub bird detection hub",
		SilenceUsage: true,
	}

	// Set up the global flags for the root command.
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("error binding flags: %v", err))
	}

	versionCmd := version.Command()

	rootCmd.AddCommand(
		serve.Command(settings),
		worker.Command(settings),
		taxonomy.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs neither settings nor logging
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(configFile, settings)
	}

	return rootCmd
}

// initialize loads the settings, with flags taking precedence over the
// config file, and installs the global logger.
func initialize(configFile string, settings *conf.Settings) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	return nil
}
