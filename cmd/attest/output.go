package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

// out is where command results go; diagnostics always go to stderr.
var out io.Writer = os.Stdout

func printSuccess(format string, args ...any) {
	green.Fprintln(os.Stderr, "✓ "+fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	red.Fprintln(os.Stderr, "✗ "+fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	yellow.Fprintln(os.Stderr, "⚠ "+fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	cyan.Fprintln(os.Stderr, "→ "+fmt.Sprintf(format, args...))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(out, "  %s %s\n", bold.Sprint(label+":"), fmt.Sprintf(format, args...))
}

// coverageColor highlights answers that lack evidence.
func coverageColor(coverage string) *color.Color {
	if coverage == "OK" {
		return green
	}
	return yellow
}
