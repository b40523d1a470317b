package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printPlan(w io.Writer, p *plan.Plan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("ID", p.ID)
	row("Title", p.Title)
	row("Status", string(p.Status))
	row("Priority", string(p.Priority))
	row("Author", p.Author)
	row("Supersedes", p.Supersedes)
	row("Created", stamp(p.CreatedAt))
	row("Updated", stamp(p.UpdatedAt))
	if p.Retries > 0 {
		row("Retries", fmt.Sprint(p.Retries))
	}
	row("Branch", p.Branch)
	row("Artifact", p.Artifact)
	row("Failure", string(p.FailureReason))
	row("Validation", p.ValidationSummary)
	row("Distillation", string(p.Distillation))
	if p.CancelRequested {
		row("Cancel", "requested")
	}
	tw.Flush()

	if p.Description != "" {
		fmt.Fprintf(w, "\n%s\n", p.Description)
	}
	if len(p.Steps) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		for i, s := range p.Steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s.Summary())
		}
	}
	if f := p.Feedback; f != nil {
		fmt.Fprintln(w, "\nAI feedback:")
		if f.Empty() {
			fmt.Fprintln(w, "  no risks or suggestions")
		}
		bullets(w, "Risks", f.Risks)
		bullets(w, "Suggestions", f.Suggestions)
	}
	if len(p.ExecutionLog) > 0 {
		fmt.Fprintln(w, "\nExecution log:")
		for _, l := range p.ExecutionLog {
			fmt.Fprintf(w, "  %s\n", l)
		}
	}
}

func bullets(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "    - %s\n", it)
	}
}

func printPlans(w io.Writer, plans []*plan.Plan) {
	if len(plans) == 0 {
		fmt.Fprintln(w, "no plans")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tAUTHOR\tCREATED\tTITLE")
	for _, p := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Status, p.Priority, p.Author, stamp(p.CreatedAt), p.Title)
	}
	tw.Flush()
}

func printAudit(w io.Writer, trail *engine.AuditTrail) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tKIND\tFROM\tTO\tACTOR\tREASON")
	for _, e := range trail.Entries {
		from := string(e.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Seq, stamp(e.At), e.Kind, from, e.To, e.Actor, e.Reason)
	}
	tw.Flush()
	if trail.Verified {
		fmt.Fprintf(w, "chain verified (%d entries)\n", len(trail.Entries))
	} else {
		fmt.Fprintf(w, "chain BROKEN: %s\n", trail.Problem)
	}
}

func printStats(w io.Writer, st *engine.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPLANS")
	for _, s := range plan.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, st.Counts[s])
	}
	fmt.Fprintf(tw, "total\t%d\n", st.Total)
	tw.Flush()
}

func printMatches(w io.Writer, matches []knowledge.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	for i, m := range matches {
		fmt.Fprintf(w, "%d. %s  (score %.2f, from plan %s)\n", i+1, m.Entry.Title, m.Score, m.Entry.PlanID)
		if len(m.Entry.Keywords) > 0 {
			fmt.Fprintf(w, "   keywords: %s\n", strings.Join(m.Entry.Keywords, ", "))
		}
		for _, line := range strings.Split(strings.TrimSpace(m.Entry.Text), "\n") {
			fmt.Fprintf(w, "   %s\n", line)
		}
	}
}
