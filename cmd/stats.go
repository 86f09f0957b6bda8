package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the employee database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opts.settings
			db, err := backends.OpenSQL(cmd.Context(), s.SQL)
			if err != nil {
				return err
			}
			agent := backends.NewQueryAgent(backends.BackendSQL, nil, backends.NewSQLExecutor(db), nil, nil, config.GetCoreConfig(), opts.logger)
			reg := backends.NewRegistry(agent)
			defer reg.Close(context.Background())

			stats, err := reg.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "employees\t%d\n", stats.Employees)
			fmt.Fprintf(tw, "departments\t%d\n", stats.Departments)
			fmt.Fprintf(tw, "projects\t%d\n", stats.Projects)
			fmt.Fprintf(tw, "average salary\t%.2f\n", stats.AverageSalary)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "write the summary as JSON")
	return cmd
}
