// Package ui holds the terminal styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	pass   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warn   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	fail   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accent = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dim    = lipgloss.NewStyle().Faint(true)
	header = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Pass renders a success marker line.
func Pass(s string) string { return pass.Render("✓ " + s) }

// Warn renders a warning line.
func Warn(s string) string { return warn.Render("! " + s) }

// Fail renders a failure marker line.
func Fail(s string) string { return fail.Render("✗ " + s) }

// Accent highlights an inline value.
func Accent(s string) string { return accent.Render(s) }

// Dim de-emphasizes secondary detail.
func Dim(s string) string { return dim.Render(s) }

// Header renders a section heading.
func Header(s string) string { return header.Render(s) }
