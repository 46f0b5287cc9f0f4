package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Trustflow-Network-Labs/theodore/internal/database"
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/scheduler"
)

// printTree writes one line per node, indented by depth, followed by totals
func printTree(w io.Writer, root *scheduler.NodeSnapshot) {
	var walk func(n *scheduler.NodeSnapshot, depth int)
	walk = func(n *scheduler.NodeSnapshot, depth int) {
		label := n.Kind
		if n.Key != "" && n.Key != n.Kind {
			label = fmt.Sprintf("%s %s", n.Kind, n.Key)
		}
		line := fmt.Sprintf("%s%-9s %s", strings.Repeat("  ", depth), n.Status, label)
		if r, ok := n.Results["output_dir"]; ok {
			line += fmt.Sprintf(" -> %v", r.Value)
		}
		if n.Error != "" {
			line += fmt.Sprintf(" (%s)", n.Error)
		}
		fmt.Fprintln(w, line)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)

	counts := root.Counts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[schedule.Status(s)], s))
	}
	fmt.Fprintf(w, "%s: %s\n", root.Aggregate(), strings.Join(parts, ", "))
}

// printHistory lists recorded runs, newest first
func printHistory(w io.Writer, records []*database.ScheduleRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No recorded runs")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tINPUT\tSTARTED\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Status, truncate(r.Input, 40),
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
	}
	tw.Flush()
}

// printNodes lists the recorded nodes of one run in execution order
func printNodes(w io.Writer, nodes []*database.NodeRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tKEY\tSTATUS\tDURATION\tERROR")
	for _, n := range nodes {
		duration := "-"
		if n.StartedAt != nil && n.FinishedAt != nil {
			duration = n.FinishedAt.Sub(*n.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.Kind, n.ChildKey, n.Status, duration, truncate(n.ErrorMessage, 60))
	}
	tw.Flush()

	var failed int
	for _, n := range nodes {
		if n.Status == string(schedule.StatusFailed) {
			failed++
		}
	}
	fmt.Fprintf(w, "%s nodes, %s failed\n", humanize.Comma(int64(len(nodes))), humanize.Comma(int64(failed)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
