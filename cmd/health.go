package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/grpc"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var (
		server  string
		asJSON  bool
		service string
	)
	cmd := &cobra.Command{
		Use:   "health [backend]",
		Short: "Probe the backends and exit non-zero when none is reachable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			component := ""
			if len(args) == 1 {
				component = args[0]
			}
			if server != "" {
				if service == "" && component != "" {
					service = grpc.BackendServicePrefix + component
				}
				return remoteHealth(cmd.Context(), cmd.OutOrStdout(), server, service)
			}

			a, err := newApp(cmd.Context(), opts.settings, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := a.monitor.Check(cmd.Context(), component)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			if report.Status == commbus.HealthStatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&server, "server", "", "gRPC address of a running query router")
	flags.StringVar(&service, "service", "", "health service name to check with --server")
	flags.BoolVar(&asJSON, "json", false, "write the report as JSON")
	return cmd
}

func printReport(w io.Writer, report *commbus.HealthCheckResponse) {
	fmt.Fprintf(w, "status: %s\n\n", report.Status)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tSTATUS\tLATENCY\tERROR")
	for _, name := range slices.Sorted(maps.Keys(report.Components)) {
		c := report.Components[name]
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", name, c.Status, c.LatencyMS, c.Error)
	}
	tw.Flush()
}

func remoteHealth(ctx context.Context, w io.Writer, server, service string) error {
	conn, err := grpc.Dial(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	st, err := grpc.NewClient(conn).Health(ctx, service)
	if err != nil {
		return err
	}
	name := service
	if name == "" {
		name = "server"
	}
	fmt.Fprintf(w, "%s: %s\n", name, st)
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("not serving")
	}
	return nil
}
