package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/spf13/cobra"
)

var requestTimeout time.Duration

var modeCmd = &cobra.Command{
	Use:       "mode [online|offline]",
	Short:     "Switch transcription mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE:      runMode,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current caption session",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 15*time.Second, "How long to wait for the daemon")
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(statusCmd)
}

// request sends a control message to the daemon and decodes its reply.
func request(ctx context.Context, cfg config.Config, subject string, payload any, reply any) error {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://localhost:%d", busCfg.Port)}
	}
	client, err := bus.Connect(ctx, busCfg, newLogger())
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := client.Conn().RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, reply)
}

func runMode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	subjects := protocol.NewSubjects(cfg.Bus.SubjectPrefix)
	var reply protocol.ModeReply
	if err := request(ctx, cfg, subjects.CtrlMode, protocol.ModeRequest{Mode: args[0]}, &reply); err != nil {
		return err
	}
	if !reply.Accepted {
		fmt.Println(errorStyle.Render("rejected: " + reply.Error))
		return fmt.Errorf("mode change rejected")
	}
	fmt.Println(row("mode", okStyle.Render(reply.Mode)))
	fmt.Println(row("generation", fmt.Sprint(reply.Generation)))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	subjects := protocol.NewSubjects(cfg.Bus.SubjectPrefix)
	var st protocol.StatusReply
	if err := request(ctx, cfg, subjects.CtrlStatus, struct{}{}, &st); err != nil {
		return err
	}
	fmt.Println(renderStatus(st, time.Now()))
	return nil
}

func renderStatus(st protocol.StatusReply, now time.Time) string {
	status := okStyle.Render(st.Status)
	switch {
	case st.GaveUp, st.NeedsConfig:
		status = errorStyle.Render(st.Status)
	case st.Restarting || !st.ThreadAlive:
		status = warnStyle.Render(st.Status)
	}
	lastText := mutedStyle.Render("never")
	if !st.LastText.IsZero() {
		lastText = now.Sub(st.LastText).Round(time.Second).String() + " ago"
	}
	audio := "room"
	if st.PhoneAudio {
		audio = "phone"
	}

	lines := []string{
		titleStyle.Render("Live captions"),
		row("status", status),
		row("mode", st.Mode),
		row("provider", st.Provider),
		row("audio", audio),
		row("generation", fmt.Sprint(st.Generation)),
		row("restarts", fmt.Sprintf("%d/%d", st.RestartCount, st.MaxRestarts)),
		row("transcriber", aliveText(st.ThreadAlive)),
		row("capture", aliveText(st.CaptureAlive)),
		row("last text", lastText),
	}
	return strings.Join(lines, "\n")
}

func aliveText(alive bool) string {
	if alive {
		return okStyle.Render("running")
	}
	return warnStyle.Render("stopped")
}
