package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/schaermu/dirtidy/internal/tidy"
)

// renderProgress drains ch. On a terminal it redraws a single status line;
// otherwise it prints one line per phase change.
func renderProgress(w io.Writer, ch <-chan tidy.Progress, tty bool) {
	var lastPhase tidy.Phase
	var lastFolder string

	for p := range ch {
		folder := filepath.Base(p.Folder)

		if tty {
			_, _ = fmt.Fprintf(w, "\r\033[K%3.0f%% %s %s", p.Percent, folder, progressDetail(p))
			if p.Phase == tidy.PhaseDone {
				_, _ = fmt.Fprintln(w)
			}
			continue
		}

		if p.Phase == lastPhase && p.Folder == lastFolder {
			continue
		}
		lastPhase, lastFolder = p.Phase, p.Folder
		_, _ = fmt.Fprintf(w, "%3.0f%% %s %s\n", p.Percent, folder, progressDetail(p))
	}
}

func progressDetail(p tidy.Progress) string {
	switch {
	case p.Phase == tidy.PhaseDone:
		return "done"
	case p.Total == tidy.Indeterminate:
		return string(p.Phase) + "..."
	default:
		return fmt.Sprintf("%s [%d/%d] %s", p.Phase, p.Current, p.Total, p.Label)
	}
}

// printSummaries writes one row per job.
func printSummaries(w io.Writer, summaries []*tidy.Summary) {
	if len(summaries) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FOLDER\tSCANNED\tREMOVED\tRENAMED\tERRORS\tFREED\tSTATUS")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			s.Folder, s.Scanned, s.Removed, s.Renamed, s.Errors(), formatBytes(s.FreedBytes), summaryStatus(s))
	}
	_ = tw.Flush()
}

func summaryStatus(s *tidy.Summary) string {
	switch {
	case s.Fatal != "":
		return "failed: " + s.Fatal
	case s.Cancelled:
		return "cancelled"
	case s.DryRun:
		return "dry-run"
	default:
		return "ok"
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
