package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// errInvalidOutbox makes `validate` exit non-zero after printing the violations.
var errInvalidOutbox = errors.New("outbox has schema violations")

func newOutboxCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "outbox AGENT",
		Short: "Show an agent's outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				o, err := svc.GetAgentOutbox(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					data, err := outbox.Encode(o)
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				writeOutbox(cmd.OutOrStdout(), o)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the canonical JSON record")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "validate [AGENT...]",
		Short: "Check outboxes against the schema without changing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one agent or pass --all")
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				ids := args
				if all {
					var err error
					if ids, err = svc.ListAgents(ctx); err != nil {
						return err
					}
				}
				bad := 0
				for _, id := range ids {
					errs, err := svc.ValidateOutbox(ctx, id)
					if err != nil {
						return err
					}
					if len(errs) == 0 {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: valid\n", color.GreenString("✓"), id)
						continue
					}
					bad++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d violation(s)\n", color.RedString("✗"), id, len(errs))
					writeViolations(cmd.OutOrStdout(), errs)
				}
				if bad > 0 {
					return errInvalidOutbox
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Validate every registered agent")
	return cmd
}

func newProgressCmd() *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "progress [AGENT...]",
		Short: "Aggregate sprint progress over agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				var (
					p   *models.SprintProgress
					err error
				)
				if all || len(args) == 0 {
					p, err = svc.ComputeAllProgress(ctx)
				} else {
					p, err = svc.ComputeSprintProgress(ctx, args)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), p)
				}
				writeProgress(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Every registered agent (the default without arguments)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
