package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/activity"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/spf13/cobra"
)

var phoneCmd = &cobra.Command{
	Use:   "phone [on|off|status|watch]",
	Short: "Phone line indicator",
	Long: `Raise or clear the phone indicator, which moves captioning to the
phone line. "watch" runs the detector that raises it when someone speaks
on the line and mutes the room microphone for the call.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status", "watch"},
	RunE:      runPhone,
}

var muteCmd = &cobra.Command{
	Use:       "mute [on|off|status]",
	Short:     "Caption mute indicator",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE:      runMute,
}

func init() {
	rootCmd.AddCommand(phoneCmd)
	rootCmd.AddCommand(muteCmd)
}

func runPhone(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ind := activity.New(cfg.Activity.PhoneFile)
	if args[0] == "watch" {
		return watchPhone(cmd, cfg, ind)
	}
	return toggle(ind, "phone", args[0])
}

func runMute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return toggle(activity.New(cfg.Activity.MuteFile), "mute", args[0])
}

func toggle(ind *activity.Indicator, name string, action string) error {
	switch action {
	case "on", "off":
		if err := ind.Set(action == "on"); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown action %q, expected on, off or status", action)
	}
	fmt.Println(row(name, onOff(ind.Active())))
	return nil
}

func watchPhone(cmd *cobra.Command, cfg config.Config, ind *activity.Indicator) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder, err := capture.NewRecorder(cfg.Audio.CaptureCommand, cfg.Audio.OpenAttempts, capture.ExecLauncher{}, clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}
	devices, err := capture.NewDevices(cfg, logger)
	if err != nil {
		return err
	}
	mixer, err := capture.NewMixer(cfg.Audio)
	if err != nil {
		return err
	}

	device := devices.Resolve(ctx, true)
	fmt.Println(row("watching", device))
	watcher := activity.NewWatcher(activity.DefaultWatchConfig(device), recorder, mixer, ind, logger)
	return watcher.Run(ctx)
}
