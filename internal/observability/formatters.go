// Package observability provides logger construction and formatted output for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/revalidate/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output of validation results
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// FormatRaceTime renders milliseconds as m:ss.mmm, or "-" when unknown.
func FormatRaceTime(ms *int32) string {
	if ms == nil {
		return "-"
	}
	v := int64(*ms)
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d:%02d.%03d", sign, v/60000, (v/1000)%60, v%1000)
}

// FormatValidity renders a tri-state validity flag.
func FormatValidity(v *bool) string {
	switch {
	case v == nil:
		return "unknown"
	case *v:
		return "valid"
	default:
		return "invalid"
	}
}

// PrintRequest outputs a summary of a validation request and its jobs.
func (p *Printer) PrintRequest(req *types.ValidationRequest) {
	if req == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Request:  %s\n", req.ID))
	status := "in progress"
	if req.CompletedAt != nil {
		status = "completed " + req.CompletedAt.Format("2006-01-02 15:04:05")
	}
	sb.WriteString(fmt.Sprintf("Status:   %s\n", status))
	sb.WriteString(fmt.Sprintf("Jobs:     %d\n", len(req.Jobs)))
	p.printBox("VALIDATION REQUEST", strings.TrimSuffix(sb.String(), "\n"))

	for _, job := range req.Jobs {
		p.PrintJob(job)
	}
	p.PrintWarnings("WARNINGS", req.Warnings)
}

// PrintJob outputs one job with its per-distribution verdicts.
func (p *Printer) PrintJob(job *types.Job) {
	if job == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status:    %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("Game:      %s (%s)\n", job.GameVersion, job.ServerBuild))
	if job.Map != nil {
		name := job.Map.DeformattedName
		if name == "" {
			name = job.Map.MapUID
		}
		sb.WriteString(fmt.Sprintf("Map:       %s\n", name))
	} else if job.MapUID != "" {
		sb.WriteString(fmt.Sprintf("Map:       %s (unresolved)\n", job.MapUID))
	}
	sb.WriteString(fmt.Sprintf("Declared:  %s\n", FormatRaceTime(job.Declared.Time)))
	if job.Validated != nil {
		sb.WriteString(fmt.Sprintf("Validated: %s\n", FormatRaceTime(job.Validated.Time)))
	}
	sb.WriteString(fmt.Sprintf("Verdict:   %s", FormatValidity(job.IsValid)))
	if job.IsGhostExtracted {
		sb.WriteString(fmt.Sprintf(" (extracted ghost: %s)", FormatValidity(job.IsValidExtracted)))
	}
	sb.WriteString("\n")

	if len(job.Distros) > 0 {
		sb.WriteString("\n")
		for _, d := range job.Distros {
			sb.WriteString(fmt.Sprintf("  • %-14s %-10s %s\n", d.DistroID, d.Status, FormatValidity(d.IsValid)))
		}
	}

	p.printBox(job.DisplayName(), strings.TrimSuffix(sb.String(), "\n"))
	p.PrintWarnings("PROBLEMS", job.Problems)
}

// PrintWarnings outputs a message bag, grouped by key.
func (p *Printer) PrintWarnings(title string, bag types.Bag) {
	if bag.Len() == 0 {
		return
	}

	var sb strings.Builder
	keys := bag.Keys()
	count := min(len(keys), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(fmt.Sprintf("%s\n", keys[i]))
		for _, msg := range bag[keys[i]] {
			sb.WriteString(fmt.Sprintf("  ⚠ %s\n", msg))
		}
	}
	if len(keys) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more\n", len(keys)-maxItemsToShow))
	}

	p.printBox(title, strings.TrimSuffix(sb.String(), "\n"))
}
