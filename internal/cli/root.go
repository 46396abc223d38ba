package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var (
		homeOverride string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:          "taskcoord",
		Short:        "Per-agent task outboxes with a checked lifecycle",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			slog.SetDefault(config.NewLogger(cmd.ErrOrStderr(), cfg.Log))

			ctx := config.WithHome(cmd.Context(), home)
			cmd.SetContext(config.WithConfig(ctx, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override taskcoord home directory (default: ~/.taskcoord, env: TASKCOORD_HOME)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log.level")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newRosterCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newReviewCmd())
	cmd.AddCommand(newOutboxCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newProgressCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
