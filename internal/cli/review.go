package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/review"
	"github.com/ankittk/taskcoord/pkg/models"
)

func newReviewCmd() *cobra.Command {
	var (
		reviewer string
		summary  string
		message  string
		created  []string
		modified []string
	)
	cmd := &cobra.Command{
		Use:   "review AGENT TASK OUTCOME",
		Short: "Review a task in ready_for_review: approve, changes or reject",
		Long: "approve completes the task and archives it, reject fails and archives it, " +
			"changes sends it back to in_progress. Without --reviewer another agent is picked.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := review.ParseOutcome(args[2])
			if err != nil {
				return err
			}
			d := review.Decision{
				Reviewer:          reviewer,
				Summary:           summary,
				CompletionMessage: message,
				Files:             models.HistoryFiles{Created: created, Modified: modified},
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				res, err := review.Submit(ctx, svc, args[0], args[1], outcome, d)
				if err != nil {
					return err
				}
				if res.Entry != nil {
					by := res.Entry.ReviewedBy
					if by == "" {
						by = "nobody"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s and archived\n",
						res.Entry.TaskID, paintStatus(res.Entry.Status), by)
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s sent back: %s\n", res.Task.TaskID, paintStatus(res.Task.Status))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewing agent id")
	cmd.Flags().StringVar(&summary, "summary", "", "Review summary")
	cmd.Flags().StringVar(&message, "message", "", "Completion message")
	cmd.Flags().StringSliceVar(&created, "created", nil, "Files created")
	cmd.Flags().StringSliceVar(&modified, "modified", nil, "Files modified")
	return cmd
}
