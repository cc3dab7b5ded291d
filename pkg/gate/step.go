// Package gate implements the open and close commands: an ordered preflight
// that proves the whole exporter pipeline is live before the facility flag
// flips open, and the mirror-image teardown that flips it closed.
package gate

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Status classifies a step outcome.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

// Result is one step's outcome. Log carries error-log lines printed under a
// failed step.
type Result struct {
	Status Status
	Detail string
	Hint   string
	Log    []string
}

func pass(detail string) Result { return Result{Status: StatusPass, Detail: detail} }

func warn(detail string) Result { return Result{Status: StatusWarn, Detail: detail} }

func fail(detail, hint string) Result {
	return Result{Status: StatusFail, Detail: detail, Hint: hint}
}

// printStep renders one step line with its colored status glyph.
func printStep(w io.Writer, name string, r Result) {
	glyph := color.GreenString("✓")
	switch r.Status {
	case StatusWarn:
		glyph = color.YellowString("!")
	case StatusFail:
		glyph = color.RedString("✗")
	}
	fmt.Fprintf(w, " %s %-20s %s\n", glyph, name, r.Detail)
	if r.Hint != "" {
		fmt.Fprintf(w, "   %s\n", color.YellowString(r.Hint))
	}
	for _, line := range r.Log {
		fmt.Fprintf(w, "   | %s\n", line)
	}
}

// printHeader renders the boxed banner above a command's steps.
func printHeader(w io.Writer, title string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendRow(table.Row{title})
	tw.Render()
}

// errorLogTail returns the last n lines of the daemon's error log, or nil
// when the log cannot be read.
func errorLogTail(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
