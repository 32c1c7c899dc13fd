package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors - chosen for contrast on both black and dark surfaces
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray
	borderColor    = lipgloss.Color("#6B7280") // Gray

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)
)

// stateStyle picks a color for the scheduler state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "active":
		return valueStyle
	case "offline":
		return errStyle
	case "idle", "background":
		return warnStyle
	default:
		return mutedStyle
	}
}
