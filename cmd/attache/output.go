package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/task"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// Status lines go to stderr so stdout stays clean for replies and JSON.

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate collapses whitespace and cuts s to n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusColor(s task.Status) string {
	switch s {
	case task.Completed:
		return colorGreen
	case task.Failed:
		return colorRed
	case task.Waiting:
		return colorYellow
	default:
		return colorCyan
	}
}

// writeTaskRow prints one line of `tasks list`. The status is padded before
// coloring so columns line up with and without color.
func writeTaskRow(w io.Writer, t task.Task) {
	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		colorize(colorBold, shortID(t.ID)),
		colorize(statusColor(t.Status), fmt.Sprintf("%-11s", t.Status)),
		t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		truncate(t.Description, 80),
	)
}

// printToolEvent shows chat progress. Successful finishes are quiet.
func printToolEvent(ev notify.Event) {
	switch {
	case ev.Type == notify.ToolStarted:
		printStep("%s", ev.Tool)
	case ev.Type == notify.ToolFinished && ev.Error != "":
		printWarning("%s: %s", ev.Tool, truncate(ev.Error, 200))
	}
}
