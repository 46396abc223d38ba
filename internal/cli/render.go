package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

var statusPaint = map[models.Status]func(a ...any) string{
	models.StatusPending:        color.New(color.FgWhite).SprintFunc(),
	models.StatusInProgress:     color.New(color.FgCyan).SprintFunc(),
	models.StatusReadyForReview: color.New(color.FgYellow).SprintFunc(),
	models.StatusBlocked:        color.New(color.FgMagenta).SprintFunc(),
	models.StatusCompleted:      color.New(color.FgGreen).SprintFunc(),
	models.StatusFailed:         color.New(color.FgRed).SprintFunc(),
}

func paintStatus(s models.Status) string {
	if p, ok := statusPaint[s]; ok {
		return p(string(s))
	}
	return string(s)
}

func writeOutbox(w io.Writer, o *models.Outbox) {
	_, _ = fmt.Fprintf(w, "%s  %s (%s)  schema %s  updated %s\n",
		color.New(color.Bold).Sprint(o.AgentID), o.AgentName, o.AgentType, o.Version, o.Metadata.LastUpdated)
	if len(o.Expertise) > 0 {
		_, _ = fmt.Fprintf(w, "expertise: %s\n", strings.Join(o.Expertise, ", "))
	}
	if len(o.Tasks) == 0 {
		_, _ = fmt.Fprintln(w, "no active tasks")
	} else {
		writeTasks(w, o.Tasks)
	}
	_, _ = fmt.Fprintf(w, "history: %d entries, %d completed\n", len(o.History), o.Metadata.TotalTasksCompleted)
}

func writeTasks(w io.Writer, tasks []models.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TASK\tSTATUS\tPRIORITY\tTITLE\tDEPENDS ON")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.TaskID, paintStatus(t.Status), t.Priority, t.Title, strings.Join(t.Dependencies, ","))
	}
	_ = tw.Flush()
}

func writeViolations(w io.Writer, errs outbox.ValidationErrors) {
	for _, e := range errs {
		field := e.Field
		if e.TaskID != "" && !strings.Contains(field, e.TaskID) {
			field = e.TaskID + ": " + field
		}
		_, _ = fmt.Fprintf(w, "  %s %s: %s\n", color.RedString("✗"), field, e.Message)
	}
}

func writeProgress(w io.Writer, p *models.SprintProgress) {
	_, _ = fmt.Fprintf(w, "%d/%d tasks completed (%.0f%%)\n", p.CompletedTasks, p.TotalTasks, p.CompletionRatio*100)
	if len(p.PerAgent) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "AGENT\tTOTAL\tPENDING\tIN PROGRESS\tREVIEW\tBLOCKED\tCOMPLETED\tFAILED")
		for _, a := range p.PerAgent {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				a.AgentID, a.Total, a.Pending, a.InProgress, a.ReadyForReview, a.Blocked, a.Completed, a.Failed)
		}
		_ = tw.Flush()
	}
	for _, a := range p.Anomalies {
		where := a.AgentID
		if a.TaskID != "" {
			where += "/" + a.TaskID
		}
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", color.YellowString("!"), where, a.Message)
	}
}
