package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the home directory, the store and every outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var problems []string
			check := func(name string, err error) {
				if err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", name, err))
					_, _ = fmt.Fprintf(out, "%s %s: %v\n", color.RedString("✗"), name, err)
					return
				}
				_, _ = fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), name)
			}

			check("home "+cfg.Home, os.MkdirAll(cfg.Home, 0o755))

			svc, closeStore, err := openService(cmd)
			check("store "+cfg.Store.Driver, err)
			if err == nil {
				defer closeStore()
				ids, err := svc.ListAgents(cmd.Context())
				check("list agents", err)
				for _, id := range ids {
					errs, err := svc.ValidateOutbox(cmd.Context(), id)
					if err == nil && len(errs) > 0 {
						err = fmt.Errorf("%d schema violation(s); run `taskcoord validate %s`", len(errs), id)
					}
					check("outbox "+id, err)
				}
			}

			if len(problems) > 0 {
				return errors.New("doctor checks failed")
			}
			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
}
