// Package summary renders the end-of-job report printed after a run.
package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/iepathos/prodigy/internal/dlq"
	"github.com/iepathos/prodigy/internal/engine"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// maxSignatures bounds the error breakdown in the report.
const maxSignatures = 5

// Render formats a one-screen report for a finished job. stats may be nil
// when the dead letter queue could not be read.
func Render(res *engine.Result, stats *dlq.Stats) string {
	var b strings.Builder

	title := fmt.Sprintf("%s (%s)", res.JobName, res.JobID)
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render(title), statusStyle(res.Status).Render(string(res.Status)))
	writeRow(&b, "duration", formatDuration(res.Duration))
	writeRow(&b, "items", fmt.Sprintf("%d total, %d completed, %d failed", res.Total, res.Completed, res.Failed))

	if res.Merged > 0 || len(res.Conflicts) > 0 {
		merged := fmt.Sprintf("%d", res.Merged)
		if n := len(res.Conflicts); n > 0 {
			merged += fmt.Sprintf(", %d conflict(s) left in worktrees", n)
		}
		writeRow(&b, "merged", merged)
	}

	if stats != nil && stats.Total > 0 {
		writeRow(&b, "dlq", fmt.Sprintf("%d item(s), %d eligible for reprocess", stats.Total, stats.Eligible))
		for _, sc := range topSignatures(stats.Signatures, maxSignatures) {
			fmt.Fprintf(&b, "    %s  x%d\n", truncate(sc.signature, 72), sc.count)
		}
		writeRow(&b, "dlq dir", res.DLQDir)
	}

	writeRow(&b, "events", res.EventsDir)
	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s  %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label)), value)
}

func statusStyle(status engine.Status) lipgloss.Style {
	switch status {
	case engine.StatusSuccess:
		return okStyle
	case engine.StatusPartialSuccess, engine.StatusPartialMerge:
		return warnStyle
	default:
		return failStyle
	}
}

// formatDuration drops sub-second noise for runs longer than a minute.
func formatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

// truncate caps a possibly styled string at maxWidth terminal columns.
func truncate(s string, maxWidth int) string {
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

type sigCount struct {
	signature string
	count     int
}

// topSignatures returns the n most frequent error signatures, most
// frequent first, ties broken alphabetically.
func topSignatures(signatures map[string]int, n int) []sigCount {
	out := make([]sigCount, 0, len(signatures))
	for sig, count := range signatures {
		out = append(out, sigCount{signature: sig, count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].signature < out[j].signature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
