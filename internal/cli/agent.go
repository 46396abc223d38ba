package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/roster"
	"github.com/ankittk/taskcoord/pkg/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent outboxes",
	}
	cmd.AddCommand(newAgentCreateCmd())
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentCreateCmd() *cobra.Command {
	var (
		id        string
		name      string
		agentType string
		version   string
		expertise []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an agent and create its empty outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			if name == "" {
				name = id
			}
			t, ok := models.ParseAgentType(agentType)
			if !ok {
				t = models.AgentType(agentType)
			}
			spec := models.AgentSpec{AgentID: id, AgentName: name, AgentType: t, Version: version, Expertise: expertise}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				if _, err := svc.CreateAgent(ctx, spec); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created agent %q (%s)\n", id, t)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent id (e.g. CA)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (default: the id)")
	cmd.Flags().StringVar(&agentType, "type", string(models.AgentTypeAI), "Agent type: ai, human or hybrid")
	cmd.Flags().StringVar(&version, "version", "", "Outbox schema version (default: current)")
	cmd.Flags().StringSliceVar(&expertise, "expertise", nil, "Expertise tags (comma separated)")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				ids, err := svc.ListAgents(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents")
					return nil
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Bulk agent registration from a YAML roster",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Register every agent listed in FILE; existing agents are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := roster.Load(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, svc *coord.Service) error {
				rep, err := roster.Apply(ctx, svc, r)
				if rep != nil {
					for _, id := range rep.Created {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", id)
					}
					for _, id := range rep.Skipped {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "skipped %s (exists)\n", id)
					}
				}
				return err
			})
		},
	})
	return cmd
}
