package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks in an agent's outbox",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskTransitionCmd())
	cmd.AddCommand(newTaskPromoteCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	cmd.AddCommand(newTaskDepsCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		id           string
		title        string
		description  string
		priority     string
		estimate     float64
		deps         []string
		deliverables []string
	)
	cmd := &cobra.Command{
		Use:   "create AGENT",
		Short: "Add a pending task to AGENT's outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := models.TaskSpec{
				TaskID:       id,
				Title:        title,
				Description:  description,
				Dependencies: deps,
				Deliverables: deliverables,
			}
			if priority != "" {
				p, ok := models.ParsePriority(priority)
				if !ok {
					p = models.Priority(priority)
				}
				spec.Priority = p
			}
			if cmd.Flags().Changed("estimate") {
				spec.EstimatedHours = &estimate
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				taskID, err := svc.CreateTask(ctx, args[0], spec)
				if err != nil {
					return err
				}
				if unmet, err := svc.UnmetDependencies(ctx, args[0], taskID); err == nil && len(unmet) > 0 {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: dependencies not completed yet: %s\n", strings.Join(unmet, ", "))
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), taskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM (default), HIGH or CRITICAL")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "Estimated hours")
	cmd.Flags().StringSliceVar(&deps, "deps", nil, "Ids of tasks this one depends on")
	cmd.Flags().StringSliceVar(&deliverables, "deliverables", nil, "Expected deliverables")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list AGENT",
		Short: "List the active tasks of AGENT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want models.Status
			if status != "" {
				s, ok := models.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				want = s
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				o, err := svc.GetAgentOutbox(ctx, args[0])
				if err != nil {
					return err
				}
				tasks := o.Tasks
				if want != "" {
					tasks = nil
					for _, t := range o.Tasks {
						if t.Status == want {
							tasks = append(tasks, t)
						}
					}
				}
				if len(tasks) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
					return nil
				}
				writeTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	return cmd
}

func newTaskTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition AGENT TASK STATUS",
		Short: "Move a task to STATUS along the lifecycle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, ok := models.ParseStatus(args[2])
			if !ok {
				to = models.Status(args[2])
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				t, err := svc.TransitionTask(ctx, args[0], args[1], to)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.TaskID, paintStatus(t.Status))
				return nil
			})
		},
	}
}

func newTaskPromoteCmd() *cobra.Command {
	var (
		summary  string
		message  string
		reviewer string
		created  []string
		modified []string
		metrics  []string
	)
	cmd := &cobra.Command{
		Use:   "promote AGENT TASK",
		Short: "Archive a completed or failed task into history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMetrics(metrics)
			if err != nil {
				return err
			}
			spec := models.HistorySpec{
				Summary:           summary,
				CompletionMessage: message,
				ReviewedBy:        reviewer,
				Files:             models.HistoryFiles{Created: created, Modified: modified},
				Metrics:           m,
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				e, err := svc.PromoteToHistory(ctx, args[0], args[1], spec)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s archived as %s at %s\n", e.TaskID, paintStatus(e.Status), e.Timestamp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "Summary of the work")
	cmd.Flags().StringVar(&message, "message", "", "Completion message")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Agent id of the reviewer")
	cmd.Flags().StringSliceVar(&created, "created", nil, "Files created")
	cmd.Flags().StringSliceVar(&modified, "modified", nil, "Files modified")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "Metric as key=value (repeatable)")
	return cmd
}

// parseMetrics turns key=value pairs into numbers, booleans or strings.
func parseMetrics(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("metric %q: want key=value", p)
		}
		v = strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func newTaskUpdateCmd() *cobra.Command {
	var (
		title        string
		description  string
		priority     string
		estimate     float64
		actual       float64
		deps         []string
		deliverables []string
	)
	cmd := &cobra.Command{
		Use:   "update AGENT TASK",
		Short: "Edit the descriptive fields of an active task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.TaskPatch
			f := cmd.Flags()
			if f.Changed("title") {
				patch.Title = &title
			}
			if f.Changed("description") {
				patch.Description = &description
			}
			if f.Changed("priority") {
				p, ok := models.ParsePriority(priority)
				if !ok {
					p = models.Priority(priority)
				}
				patch.Priority = &p
			}
			if f.Changed("estimate") {
				patch.EstimatedHours = &estimate
			}
			if f.Changed("actual") {
				patch.ActualHours = &actual
			}
			if f.Changed("deps") {
				patch.Dependencies = &deps
			}
			if f.Changed("deliverables") {
				patch.Deliverables = &deliverables
			}
			if patch == (models.TaskPatch{}) {
				return errors.New("nothing to update")
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				t, err := svc.UpdateTask(ctx, args[0], args[1], patch)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", t.TaskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&priority, "priority", "", "New priority")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "Estimated hours")
	cmd.Flags().Float64Var(&actual, "actual", 0, "Actual hours")
	cmd.Flags().StringSliceVar(&deps, "deps", nil, "Replace the dependency list")
	cmd.Flags().StringSliceVar(&deliverables, "deliverables", nil, "Replace the deliverables list")
	return cmd
}

func newTaskDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps AGENT TASK",
		Short: "Show which dependencies of a task are not completed yet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				unmet, err := svc.UnmetDependencies(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if len(unmet) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ready: all dependencies completed")
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "waiting on: %s\n", strings.Join(unmet, ", "))
				return nil
			})
		},
	}
}
