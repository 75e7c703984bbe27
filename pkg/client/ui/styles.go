package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FAFFF"}
	secondaryColor = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#9E9E9E"}
	successColor   = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#87D787"}
	errorColor     = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Padding(0, 1)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Padding(0, 1)

	ConversationPaneStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor)

	InboxPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)

	MessageOwnAuthorStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	MessageAuthorStyle    = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	MessagePendingStyle   = lipgloss.NewStyle().Foreground(secondaryColor).Italic(true)
	TimestampStyle        = lipgloss.NewStyle().Foreground(secondaryColor)

	SelectedStyle = lipgloss.NewStyle().Reverse(true)
	OnlineStyle   = lipgloss.NewStyle().Foreground(successColor)
	OfflineStyle  = lipgloss.NewStyle().Foreground(secondaryColor)
)
