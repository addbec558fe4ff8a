// Package ui renders folders, bugs and sync results for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bugsync/bugsync/internal/folders"
	bsync "github.com/bugsync/bugsync/internal/sync"
	"github.com/bugsync/bugsync/internal/types"
)

// Column widths for folder listings.
const (
	idWidth      = 8
	statusWidth  = 12
	changedWidth = 16
	summaryWidth = 60
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Printer writes styled output. Colors are disabled when the output is not a
// terminal or NO_COLOR is set.
type Printer struct {
	w   io.Writer
	now func() time.Time

	header  lipgloss.Style
	unread  lipgloss.Style
	dim     lipgloss.Style
	warn    lipgloss.Style
	success lipgloss.Style
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		w:       w,
		now:     time.Now,
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		unread:  r.NewStyle().Bold(true),
		dim:     r.NewStyle().Foreground(lipgloss.Color("8")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("9")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

// SetClock replaces the time source used for relative times.
func (p *Printer) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Counts prints one line per folder in display order.
func (p *Printer) Counts(counts map[string]folders.Count) {
	p.printf("%s\n", p.header.Render(fmt.Sprintf("%-10s %6s %6s", "FOLDER", "UNREAD", "TOTAL")))
	for _, name := range folders.Names {
		c := counts[name]
		line := fmt.Sprintf("%-10s %6d %6d", name, c.Unread, c.Total)
		if c.Unread > 0 {
			line = p.unread.Render(line)
		}
		p.printf("%s\n", line)
	}
}

// Folder prints the bugs of one folder, unread bugs in bold.
func (p *Printer) Folder(name string, bugs []*types.Bug) {
	p.printf("%s\n", p.header.Render(fmt.Sprintf("%s (%d)", name, len(bugs))))
	if len(bugs) == 0 {
		p.printf("%s\n", p.dim.Render("  no bugs"))
		return
	}
	for _, b := range bugs {
		p.printf("%s\n", p.row(b))
	}
}

func (p *Printer) row(b *types.Bug) string {
	mark := " "
	if b.Starred() {
		mark = "*"
	}
	line := fmt.Sprintf("%s %-*d %-*s %-*s %s",
		mark,
		idWidth, b.ID,
		statusWidth, truncate(b.Status, statusWidth),
		changedWidth, p.ago(b.LastChangeTime),
		truncate(b.Summary, summaryWidth))
	if b.Unread {
		return p.unread.Render(line)
	}
	return line
}

// Bug prints a bug with its comments.
func (p *Printer) Bug(b *types.Bug) {
	title := fmt.Sprintf("Bug %d - %s", b.ID, b.Summary)
	if b.Unread {
		title += " [unread]"
	}
	if b.Starred() {
		title += " [starred]"
	}
	p.printf("%s\n", p.header.Render(title))

	status := b.Status
	if b.Resolution != "" {
		status += " " + b.Resolution
	}
	fields := [][2]string{
		{"Status", status},
		{"Product", strings.Trim(b.Product+" :: "+b.Component, " :")},
		{"Severity", b.Severity},
		{"Priority", b.Priority},
		{"Reporter", b.Creator},
		{"Assignee", b.AssignedTo},
		{"QA", b.QAContact},
		{"Mentors", strings.Join(b.Mentors, ", ")},
		{"Keywords", strings.Join(b.Keywords, ", ")},
		{"CC", fmt.Sprintf("%d people", len(b.CC))},
		{"Changed", p.ago(b.LastChangeTime)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		p.printf("  %s %s\n", p.dim.Render(fmt.Sprintf("%-9s", f[0]+":")), f[1])
	}

	for _, a := range b.Attachments {
		obsolete := ""
		if a.IsObsolete {
			obsolete = " (obsolete)"
		}
		p.printf("  %s #%d %s%s\n", p.dim.Render("Attach:  "), a.ID, a.Summary, obsolete)
	}

	for _, c := range b.Comments {
		p.printf("\n%s\n", p.dim.Render(fmt.Sprintf("Comment %d by %s, %s", c.Count, c.Creator, p.ago(c.CreationTime))))
		p.printf("%s\n", strings.TrimRight(c.Text, "\n"))
	}
}

// SyncResult summarizes a sync cycle. A failed cycle prints the
// user-facing status message.
func (p *Printer) SyncResult(res bsync.Result, err error) {
	if err != nil {
		p.Warn("%s", bsync.StatusMessage(err))
		return
	}
	if res.Coalesced {
		p.printf("%s\n", p.dim.Render("A sync is already running; it will run once more."))
		return
	}
	p.Success("Synced %d bugs (%d new, %d updated) in %s",
		res.Listed, res.Created, res.Updated, res.Finished.Sub(res.Started).Round(time.Millisecond))
	if res.FailedBatches > 0 || res.FailedMerges > 0 {
		p.Warn("%d batches and %d bugs failed; they will be retried next sync",
			res.FailedBatches, res.FailedMerges)
	}
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	p.printf("%s\n", p.success.Render(fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	p.printf("%s\n", p.warn.Render(fmt.Sprintf(format, args...)))
}

func (p *Printer) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, p.now(), "ago", "from now")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
