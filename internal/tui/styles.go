package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFB224")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Width(12)

	styleBadge = lipgloss.NewStyle().
			Foreground(colorWhite).
			Padding(0, 1).
			Bold(true)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorGray)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen)

	styleWarning = lipgloss.NewStyle().
			Foreground(colorYellow)
)

// badge renders status on a background matching its severity.
func badge(status string) string {
	bg := colorGray
	switch status {
	case "completed", "empty", "ok", "healthy":
		bg = colorGreen
	case "abandoned", "failed", "unhealthy":
		bg = colorRed
	case "planned", "running", "timed_out", "awaiting_retry":
		bg = colorBlue
	}
	return styleBadge.Background(bg).Render(status)
}
