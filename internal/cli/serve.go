package cli

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ankittk/taskcoord/internal/daemon"
)

func newServeCmd() *cobra.Command {
	var (
		background bool
		bind       string
		port       int
		grpcPort   int
		pprofAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/gRPC coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			opts := daemon.FromConfig(cfg)
			opts.Bind = bind
			opts.PprofAddr = pprofAddr
			if cmd.Flags().Changed("port") {
				opts.Port = port
			}
			if cmd.Flags().Changed("grpc-port") {
				opts.GRPCPort = grpcPort
			}
			if opts.Bind == "" {
				opts.Bind = daemon.DefaultBind
			}
			url := "http://" + net.JoinHostPort(opts.Bind, strconv.Itoa(opts.Port))

			if !background {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving taskcoord on %s\n", url)
				return daemon.StartForeground(cmd.Context(), opts)
			}
			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "taskcoord started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", url)
			return nil
		},
	}

	cmd.Flags().BoolVar(&background, "background", false, "Detach and run as a daemon")
	cmd.Flags().StringVar(&bind, "bind", "", "Listen host (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default: server.port)")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 0, "gRPC port; 0 disables (default: server.grpc_port)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")

	return cmd
}
