package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("8"))
)

func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderAccent(s string) string { return accentStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }
func renderHeader(s string) string { return headerStyle.Render(s) }

// field renders an aligned "label value" line.
func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
