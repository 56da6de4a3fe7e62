// Package color styles terminal output with lipgloss.
// All functions return their input unchanged when Enabled is false, so callers
// need not guard their output. Call Init once at program start.
package color

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Enabled is true when styled output is supported.
var Enabled bool

// Init detects whether os.Stdout is a colour-capable terminal and sets Enabled.
// Colour is suppressed when:
//   - NO_COLOR env var is set (https://no-color.org)
//   - TERM=dumb
//   - stdout is not a terminal (piped, redirected, etc.)
func Init() {
	Enabled = false
	if os.Getenv("NO_COLOR") != "" {
		return
	}
	if os.Getenv("TERM") == "dumb" {
		return
	}
	fd := os.Stdout.Fd()
	Enabled = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

var (
	bold       = lipgloss.NewStyle().Bold(true)
	dim        = lipgloss.NewStyle().Faint(true)
	red        = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	green      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	yellow     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cyan       = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	boldRed    = red.Bold(true)
	boldGreen  = green.Bold(true)
	boldYellow = yellow.Bold(true)
)

func render(style lipgloss.Style, s string) string {
	if !Enabled || s == "" {
		return s
	}
	return style.Render(s)
}

func Bold(s string) string       { return render(bold, s) }
func Dim(s string) string        { return render(dim, s) }
func Red(s string) string        { return render(red, s) }
func Green(s string) string      { return render(green, s) }
func Yellow(s string) string     { return render(yellow, s) }
func Cyan(s string) string       { return render(cyan, s) }
func BoldRed(s string) string    { return render(boldRed, s) }
func BoldGreen(s string) string  { return render(boldGreen, s) }
func BoldYellow(s string) string { return render(boldYellow, s) }
