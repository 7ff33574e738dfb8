package cmd

import "github.com/charmbracelet/lipgloss"

var (
	colorOK    = lipgloss.Color("#10B981")
	colorWarn  = lipgloss.Color("#F59E0B")
	colorError = lipgloss.Color("#EF4444")
	colorMuted = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(colorOK)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarn)
	errorStyle = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func row(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func onOff(on bool) string {
	if on {
		return warnStyle.Render("on")
	}
	return okStyle.Render("off")
}
