package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/config"
	"github.com/ankittk/taskcoord/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show taskcoord daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !st.Running {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "taskcoord not running")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "taskcoord running (pid %d, addr %s)\n", st.PID, st.Addr)
			return nil
		},
	}
}
