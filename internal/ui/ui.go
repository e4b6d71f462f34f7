// Package ui renders the terminal output of a run: stage status lines while
// the pipeline advances and the end-of-run summary table.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

// Printer writes status lines and tables to one output stream. Colors can be
// disabled for non-TTY output.
type Printer struct {
	w      io.Writer
	colors bool
}

// NewPrinter creates a Printer on w.
func NewPrinter(w io.Writer, colors bool) *Printer {
	return &Printer{w: w, colors: colors}
}

func (p *Printer) paint(code, s string) string {
	if !p.colors {
		return s
	}
	return code + s + ansiReset
}

// Stage prints a stage transition line.
func (p *Printer) Stage(stage string) {
	fmt.Fprintf(p.w, "%s %s\n", p.paint(ansiCyan, "▶"), p.paint(ansiBold, stage))
}

// Info prints a dim informational line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(ansiDim, fmt.Sprintf(format, args...)))
}

// Warn prints a yellow warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(ansiYellow, fmt.Sprintf(format, args...)))
}

// Error prints a red error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(ansiRed, fmt.Sprintf(format, args...)))
}

// RunTotals is the end-of-run accounting printed under the table.
type RunTotals struct {
	Success     int
	Errors      int
	Skipped     int
	TotalTokens int
	Elapsed     time.Duration
}

// Summary prints the end-of-run totals block.
func (p *Printer) Summary(t RunTotals) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.paint(ansiBold, "Run summary"))
	p.Row([]string{"success", fmt.Sprint(t.Success)})
	p.Row([]string{"errors", fmt.Sprint(t.Errors)})
	p.Row([]string{"skipped", fmt.Sprint(t.Skipped)})
	p.Row([]string{"tokens", fmt.Sprint(t.TotalTokens)})
	p.Row([]string{"runtime", t.Elapsed.Round(time.Second).String()})
}

// Row prints one two-column row of the summary block.
func (p *Printer) Row(cells []string) {
	fmt.Fprintf(p.w, "  %s %s\n", Pad(cells[0], 10), strings.Join(cells[1:], " "))
}

// Table renders rows with runewidth-aware column alignment. The first row is
// the header.
//
// Expectations:
//   - Every column is padded to its widest cell's display width
//   - Wide (CJK) runes count as two cells
//   - An empty row list renders nothing
func (p *Printer) Table(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && runewidth.StringWidth(cell) > widths[i] {
				widths[i] = runewidth.StringWidth(cell)
			}
		}
	}
	for ri, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(Pad(cell, widths[i]))
		}
		line := strings.TrimRight(b.String(), " ")
		if ri == 0 {
			line = p.paint(ansiBold, line)
		}
		fmt.Fprintln(p.w, line)
	}
}

// Pad right-pads s with spaces to display width n.
func Pad(s string, n int) string {
	gap := n - runewidth.StringWidth(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}
