package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "captionctl",
	Short: "Operate the live caption daemon",
	Long: `captionctl talks to a running captiond over NATS and manages the
indicator files shared with the phone helper.

  phone    - phone line indicator and detector
  mute     - caption mute indicator
  mode     - switch between online and offline transcription
  status   - current session
  history  - recorded sessions
  devices  - capture cards`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "captions.yaml", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// loadConfig reads the daemon config. An unreadable document falls back
// to the defaults, as it does for the daemon.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil && !errors.Is(err, config.ErrInvalidDocument) {
		return cfg, err
	}
	if err != nil {
		newLogger().Warn("config unreadable, using defaults", slog.String("error", err.Error()))
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
