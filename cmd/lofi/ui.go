package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ui renders status lines. Color is only used when w is a terminal and
// NO_COLOR is unset, so piped output and tests see plain text.
type ui struct {
	w io.Writer

	pass   lipgloss.Style
	warn   lipgloss.Style
	failed lipgloss.Style
	accent lipgloss.Style
	muted  lipgloss.Style
	label  lipgloss.Style
}

func newUI(w io.Writer) *ui {
	r := lipgloss.NewRenderer(w)
	if !isTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return &ui{
		w:      w,
		pass:   r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
		failed: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		accent: r.NewStyle().Foreground(lipgloss.Color("6")),
		muted:  r.NewStyle().Faint(true),
		label:  r.NewStyle().Bold(true).Width(16),
	}
}

// isTerminal reports whether stream is a terminal file.
func isTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (u *ui) ok(format string, args ...any) {
	fmt.Fprintf(u.w, "%s %s\n", u.pass.Render("✓"), fmt.Sprintf(format, args...))
}

func (u *ui) warning(format string, args ...any) {
	fmt.Fprintf(u.w, "%s %s\n", u.warn.Render("⚠"), fmt.Sprintf(format, args...))
}

func (u *ui) fail(format string, args ...any) {
	fmt.Fprintf(u.w, "%s\n", u.failed.Render(fmt.Sprintf(format, args...)))
}

func (u *ui) info(format string, args ...any) {
	fmt.Fprintf(u.w, "%s %s\n", u.accent.Render("→"), fmt.Sprintf(format, args...))
}

// field prints an aligned "label value" row.
func (u *ui) field(label string, value any) {
	fmt.Fprintf(u.w, "  %s%v\n", u.label.Render(label), value)
}

func (u *ui) dim(s string) string {
	return u.muted.Render(s)
}
