package cmd

import (
	"fmt"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture cards and the devices captiond would use",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	devices, err := capture.NewDevices(cfg, newLogger())
	if err != nil {
		return err
	}
	cards, err := devices.List(cmd.Context())
	if err != nil {
		fmt.Println(errorStyle.Render(err.Error()))
	}
	fmt.Println(titleStyle.Render("Capture cards"))
	for _, c := range cards {
		fmt.Printf("  %s  %s\n", c.HWID(), mutedStyle.Render(c.Line))
	}
	fmt.Println()
	fmt.Println(row("room", devices.Resolve(cmd.Context(), false)))
	fmt.Println(row("phone", devices.Resolve(cmd.Context(), true)))
	return nil
}
