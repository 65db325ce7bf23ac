// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	aqtable "github.com/aquasecurity/table"
	"github.com/aquasecurity/tml"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/bonial-oss/epss-sync/internal/syncer"
	"github.com/bonial-oss/epss-sync/internal/types"
)

const maxDescriptionWords = 24

// IsOutputToTerminal returns true if the writer is stdout connected to a
// character device (TTY). Returns false on Windows.
func IsOutputToTerminal(output io.Writer) bool {
	return output == os.Stdout && term.IsTerminal(int(os.Stdout.Fd()))
}

// WriteSummary writes the outcome of a sync or import run as a table with
// one row per feed, followed by the totals.
func WriteSummary(w io.Writer, summary *syncer.Summary, isTerminal bool) error {
	writeHeader(w, fmt.Sprintf("Run %s (%s)", summary.RunID, summary.Mode), isTerminal)
	fmt.Fprintln(w, reportLine(summary.Report))
	fmt.Fprintln(w)

	if len(summary.Feeds) == 0 {
		return nil
	}

	tw := newTableWriter(w, isTerminal)
	tw.SetHeaders("Feed", "Outcome", "Total", "Inserted", "Updated", "Skipped", "Malformed", "Failed")
	for _, feed := range summary.Feeds {
		outcome := feed.Outcome
		if isTerminal {
			outcome = colorizeOutcome(outcome)
		}
		r := feed.Report
		tw.AddRow(feed.Feed, outcome,
			strconv.Itoa(r.Total), strconv.Itoa(r.Inserted), strconv.Itoa(r.Updated),
			strconv.Itoa(r.Skipped), strconv.Itoa(r.Malformed), strconv.Itoa(r.Failed))
	}
	tw.Render()

	for _, feed := range summary.Feeds {
		if feed.Error == "" {
			continue
		}
		if isTerminal {
			_ = tml.Fprintf(w, "<red>%s</red>: %s\n", feed.Feed, feed.Error)
		} else {
			fmt.Fprintf(w, "%s: %s\n", feed.Feed, feed.Error)
		}
	}
	return nil
}

// WriteRecord writes a stored record: its identity, the current EPSS score
// and the score history, newest first.
func WriteRecord(w io.Writer, rec *types.Record, isTerminal bool) error {
	writeHeader(w, rec.ID, isTerminal)
	if rec.Published != "" {
		fmt.Fprintf(w, "Published: %s\n", rec.Published)
	}
	if rec.Description != "" {
		fmt.Fprintln(w, truncateWords(rec.Description, maxDescriptionWords))
	}
	fmt.Fprintln(w)

	if rec.EPSS == nil {
		fmt.Fprintln(w, "No EPSS score.")
		return nil
	}

	tw := newTableWriter(w, isTerminal)
	tw.SetHeaders("Observed", "EPSS", "EPSS %ile", "Model", "Current")
	tw.AddRow(formatDate(rec.EPSS.ObservedAt), formatScore(rec.EPSS.Score, isTerminal),
		formatPercentile(rec.EPSS.Percentile), rec.EPSS.ModelVersion, "YES")
	for i := len(rec.EPSSHistory) - 1; i >= 0; i-- {
		h := rec.EPSSHistory[i]
		tw.AddRow(formatDate(h.ObservedAt), formatScore(h.Score, isTerminal),
			formatPercentile(h.Percentile), "-", "NO")
	}
	tw.Render()
	return nil
}

// writeHeader writes a title, underlined on a terminal.
func writeHeader(w io.Writer, title string, isTerminal bool) {
	if isTerminal {
		_ = tml.Fprintf(w, "<underline><bold>%s</bold></underline>\n", title)
	} else {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, strings.Repeat("=", utf8.RuneCountInString(title)))
	}
}

// reportLine returns a line like:
// Total: 5 (INSERTED: 2, UPDATED: 1, SKIPPED: 1, MALFORMED: 0, FAILED: 1)
func reportLine(r syncer.Report) string {
	return fmt.Sprintf("Total: %d (INSERTED: %d, UPDATED: %d, SKIPPED: %d, MALFORMED: %d, FAILED: %d)",
		r.Total, r.Inserted, r.Updated, r.Skipped, r.Malformed, r.Failed)
}

// newTableWriter creates a table writer with the standard configuration:
// borders, auto-merge, and row separators. When isTerminal is true, header
// and line styles use ANSI formatting.
func newTableWriter(w io.Writer, isTerminal bool) *aqtable.Table {
	tw := aqtable.New(w)
	if isTerminal {
		tw.SetHeaderStyle(aqtable.StyleBold)
		tw.SetLineStyle(aqtable.StyleDim)
	}
	tw.SetBorders(true)
	tw.SetAutoMerge(true)
	tw.SetRowLines(true)
	return tw
}

var outcomeColors = map[string]func(a ...any) string{
	syncer.FeedSynced:    color.New(color.FgGreen).SprintFunc(),
	syncer.FeedUnchanged: color.New(color.FgCyan).SprintFunc(),
	syncer.FeedFailed:    color.New(color.FgRed).SprintFunc(),
}

func colorizeOutcome(outcome string) string {
	if fn, ok := outcomeColors[outcome]; ok {
		return fn(outcome)
	}
	return outcome
}

// scoreColor buckets a probability the way the EPSS project charts do.
func scoreColor(score float64) func(a ...any) string {
	switch {
	case score >= 0.5:
		return color.New(color.FgRed).SprintFunc()
	case score >= 0.1:
		return color.New(color.FgHiRed).SprintFunc()
	case score >= 0.01:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgBlue).SprintFunc()
	}
}

func formatScore(score float64, isTerminal bool) string {
	s := fmt.Sprintf("%.5f", score)
	if isTerminal {
		return scoreColor(score)(s)
	}
	return s
}

// formatPercentile scales 0-1 to 0-100.
func formatPercentile(p float64) string {
	return fmt.Sprintf("%.1f", p*100)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateOnly)
}

// truncateWords limits text to maxWords words, appending "..." if truncated.
func truncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
