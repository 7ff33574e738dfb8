package cmd

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historySession string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded caption sessions",
	Long: `List the sessions recorded in the event store, newest first. With
--session, print the events of one session instead.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Show the events of this session")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		fmt.Println(mutedStyle.Render("event store is ephemeral, nothing recorded"))
		return nil
	}
	store, err := eventstore.OpenReadOnly(cmd.Context(), cfg.EventStore.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if historySession != "" {
		events, err := store.ListSessionEvents(cmd.Context(), historySession, historyLimit)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s  %-12s %-14s %s\n",
				mutedStyle.Render(e.CreatedAt.Local().Format(time.TimeOnly)), e.Type, e.Provider, e.Payload)
		}
		return nil
	}

	sessions, err := store.RecentSessions(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println(mutedStyle.Render("no sessions recorded"))
		return nil
	}
	fmt.Println(titleStyle.Render("Sessions"))
	for _, s := range sessions {
		fmt.Printf("%s  gen %-5d %-8s %-14s %s\n",
			s.CreatedAt.Local().Format(time.DateTime), s.Generation, s.Mode, s.Provider, mutedStyle.Render(s.ID))
	}
	return nil
}
