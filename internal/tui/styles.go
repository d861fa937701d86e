package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	StyleConnected = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	StyleDisconnected = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleCompleted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green"))

	StyleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red"))

	StyleRetried = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow"))

	StylePaused = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)
