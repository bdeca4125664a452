package style

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary = lipgloss.Color("#0EA5E9")
	Green   = lipgloss.Color("#10B981")
	Red     = lipgloss.Color("#EF4444")
	Yellow  = lipgloss.Color("#F59E0B")
	Cyan    = lipgloss.Color("#06B6D4")
	Dim     = lipgloss.Color("#6B7280")
	White   = lipgloss.Color("#F9FAFB")

	Subtitle = lipgloss.NewStyle().
			Foreground(Dim).
			Italic(true)

	Bold = lipgloss.NewStyle().Bold(true).Foreground(White)

	Healthy   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	Unhealthy = lipgloss.NewStyle().Foreground(Red).Bold(true)
	Warning   = lipgloss.NewStyle().Foreground(Yellow)

	DimText = lipgloss.NewStyle().Foreground(Dim)

	DotHealthy   = Healthy.Render("●")
	DotUnhealthy = Unhealthy.Render("●")
	DotDim       = DimText.Render("●")

	RoleBadge = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(Cyan)

	card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#374151")).
		Padding(1, 2).
		MarginBottom(1)

	CardHealthy   = card.BorderForeground(Green)
	CardUnhealthy = card.BorderForeground(Red)

	Banner = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	// Step indicators
	StepRunning = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	StepDone    = lipgloss.NewStyle().Foreground(Green)
	StepFailed  = lipgloss.NewStyle().Foreground(Red).Bold(true)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(Dim).
			PaddingRight(2)

	ErrorBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Red).
			Foreground(Red).
			Padding(0, 1).
			MarginTop(1)

	SuccessBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Green).
			Foreground(Green).
			Padding(0, 1).
			MarginTop(1)

	// Key-value
	Key = lipgloss.NewStyle().Foreground(Dim).Width(14)
	Val = lipgloss.NewStyle().Foreground(White)
)

func StatusDot(healthy bool) string {
	if healthy {
		return DotHealthy
	}
	return DotUnhealthy
}

func ServiceDot(status string) string {
	switch status {
	case "up":
		return DotHealthy
	case "down":
		return DotUnhealthy
	default:
		return DotDim
	}
}

// RunStatus picks the style for a run status.
func RunStatus(status string) lipgloss.Style {
	switch status {
	case "success":
		return StepDone
	case "failed", "timedOut":
		return StepFailed
	case "running":
		return StepRunning
	default:
		return DimText
	}
}
