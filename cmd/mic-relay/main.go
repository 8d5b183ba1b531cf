package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petems/mic-relay/internal/config"
	"github.com/petems/mic-relay/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "mic-relay",
		Short:         "Stream microphone speech segments to a transcription backend",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to the JSON config file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newStartCmd(v))
	root.AddCommand(newDevicesCmd(v))
	return root
}

// loadConfig resolves the layered configuration for cmd. Failures are
// logged with the default logger since the configured one does not exist yet.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log := logging.New()
		log.Error().Err(err).Msg("Failed to load config")
		return nil, err
	}
	return cfg, nil
}
