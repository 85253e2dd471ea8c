package tracker

import (
	"context"
	"fmt"
	"strings"
)

// Reporter renders run history from a Repository.
type Reporter struct {
	repo Repository
}

func NewReporter(repo Repository) *Reporter {
	return &Reporter{repo: repo}
}

func (r *Reporter) GenerateReport(ctx context.Context) (string, error) {
	return GenerateReport(ctx, r.repo)
}

// GenerateReport compares the last run of every step against the previous
// one, with +/- change indicators, mirroring what operators look at after
// a pipeline change.
func GenerateReport(ctx context.Context, repo Repository) (string, error) {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	b.WriteString("\n" + line + "\n")
	b.WriteString("  PIPELINE REPORT - Last vs Previous\n")
	b.WriteString(line + "\n")

	var currentTotal, previousTotal int64
	var haveCurrent, havePrevious bool

	for _, step := range Steps {
		runs, err := repo.LastRuns(ctx, step, 2)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			fmt.Fprintf(&b, "\n  %s: no runs yet\n", step)
			continue
		}

		current := runs[0]
		var previous *Run
		if len(runs) > 1 {
			previous = &runs[1]
		}

		currentTotal += current.DurationMs
		haveCurrent = true
		if previous != nil {
			previousTotal += previous.DurationMs
			havePrevious = true
		}

		fmt.Fprintf(&b, "\n  [%s]\n", strings.ToUpper(step))
		fmt.Fprintf(&b, "  %-24s %14s  %14s\n", "", "Current", "Previous")
		fmt.Fprintf(&b, "  %s\n", strings.Repeat("-", 56))

		prevAt := "-"
		if previous != nil {
			prevAt = previous.RunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "  %-24s %14s  %14s\n", "Date", current.RunAt.Format("2006-01-02 15:04"), prevAt)

		writeRow(&b, "Duration (ms)", current.DurationMs, previous, func(r *Run) int64 { return r.DurationMs })
		writeRow(&b, "Items in", int64(current.ItemsIn), previous, func(r *Run) int64 { return int64(r.ItemsIn) })
		writeRow(&b, "Items out", int64(current.ItemsOut), previous, func(r *Run) int64 { return int64(r.ItemsOut) })
		writeRow(&b, "Skipped", int64(current.ItemsSkipped), previous, func(r *Run) int64 { return int64(r.ItemsSkipped) })

		prevStatus := "-"
		diff := ""
		if previous != nil {
			prevStatus = previous.Status
			if previous.Status != current.Status {
				diff = " (changed)"
			}
		}
		fmt.Fprintf(&b, "  %-24s %14s  %14s%s\n", "Status", current.Status, prevStatus, diff)
	}

	b.WriteString("\n  " + strings.Repeat("-", 56) + "\n")
	if haveCurrent {
		fmt.Fprintf(&b, "  %-24s %13dms\n", "Current total duration", currentTotal)
	}
	if havePrevious {
		fmt.Fprintf(&b, "  %-24s %13dms\n", "Previous total duration", previousTotal)
	}
	b.WriteString(line + "\n")

	return b.String(), nil
}

func writeRow(b *strings.Builder, label string, current int64, previous *Run, get func(*Run) int64) {
	prev := "-"
	diff := ""
	if previous != nil {
		p := get(previous)
		prev = fmt.Sprintf("%d", p)
		if d := current - p; d != 0 {
			diff = fmt.Sprintf(" (%+d)", d)
		}
	}
	fmt.Fprintf(b, "  %-24s %14d  %14s%s\n", label, current, prev, diff)
}
