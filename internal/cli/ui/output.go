// Package ui renders keel CLI output: colored tables, headers and failure
// messages with suggestions.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Printer writes styled output. A Printer with NoColor writes plain text.
type Printer struct {
	w       io.Writer
	noColor bool
}

// NewPrinter creates a printer for w
func NewPrinter(w io.Writer, noColor bool) *Printer {
	return &Printer{w: w, noColor: noColor}
}

func (p *Printer) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if p.noColor {
		c.DisableColor()
	}
	return c
}

// Header prints a bold title underlined to its width
func (p *Printer) Header(title string) {
	p.style(color.Bold, color.FgCyan).Fprintln(p.w, title)
	p.style(color.FgHiBlack).Fprintln(p.w, strings.Repeat("─", len(title)))
}

// Success prints a check-marked message
func (p *Printer) Success(format string, args ...interface{}) {
	p.style(color.FgGreen, color.Bold).Fprintf(p.w, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a highlighted note
func (p *Printer) Warning(format string, args ...interface{}) {
	p.style(color.FgYellow).Fprintf(p.w, "! %s\n", fmt.Sprintf(format, args...))
}

// Failure prints a problem, the closest known names and follow-up commands
func (p *Printer) Failure(problem string, suggestions []string, help ...string) {
	p.style(color.FgRed, color.Bold).Fprintf(p.w, "✗ %s\n", problem)
	if len(suggestions) > 0 {
		p.style(color.FgYellow).Fprintf(p.w, "  Did you mean: %s?\n", strings.Join(suggestions, ", "))
	}
	for _, h := range help {
		p.style(color.FgCyan).Fprintf(p.w, "  → %s\n", h)
	}
}

// Pairs prints aligned key: value lines
func (p *Printer) Pairs(pairs ...[2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	key := p.style(color.FgCyan)
	for _, kv := range pairs {
		key.Fprint(p.w, padRight(kv[0]+":", width+1))
		fmt.Fprintf(p.w, " %s\n", kv[1])
	}
}

// Table collects rows and prints them in aligned columns
type Table struct {
	p       *Printer
	headers []string
	rows    [][]string
}

// Table starts a table with the given headers
func (p *Printer) Table(headers ...string) *Table {
	return &Table{p: p, headers: headers}
}

// AddRow appends a row; missing cells render empty
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := t.p.style(color.Bold, color.FgCyan)
	rule := t.p.style(color.FgHiBlack)
	last := len(widths) - 1

	for i, h := range t.headers {
		header.Fprint(t.p.w, cell(h, widths[i], i == last))
	}
	fmt.Fprintln(t.p.w)
	for i, w := range widths {
		rule.Fprint(t.p.w, cell(strings.Repeat("─", w), 0, i == last))
	}
	fmt.Fprintln(t.p.w)

	for _, row := range t.rows {
		for i := range widths {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			fmt.Fprint(t.p.w, cell(v, widths[i], i == last))
		}
		fmt.Fprintln(t.p.w)
	}
}

// cell pads v to width and separates columns with two spaces. The last
// column is not padded.
func cell(v string, width int, last bool) string {
	if last {
		return v
	}
	return padRight(v, width) + "  "
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
