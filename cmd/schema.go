package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
)

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "schema [backend]",
		Short:     "Print the schema descriptions given to the query generators",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{backends.BackendSQL, backends.BackendNoSQL},
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opts.settings
			catalog, err := backends.LoadCatalog(s.SchemaFile, s.SQL.Driver)
			if err != nil {
				return err
			}
			names := catalog.Backends()
			if len(args) == 1 {
				names = args[:1]
			}
			for i, name := range names {
				schema, ok := catalog.Get(name)
				if !ok {
					return fmt.Errorf("unknown backend %q (have %v)", name, catalog.Backends())
				}
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n\n%s\n", name, schema.Render())
			}
			return nil
		},
	}
}
