package main

import (
	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// rootOptions holds the persistent flags and what PersistentPreRunE loads
// from them.
type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool

	settings *config.Settings
	logger   observability.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "queryrouter",
		Short: "Route natural-language questions to SQL and document stores",
		Long: `queryrouter classifies a question, sends it to the employee SQL database,
the grocery warehouse document store or both, and merges the results.

Settings come from --config (YAML) and QUERYROUTER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML settings file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "write logs as JSON")

	cmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newSchemaCmd(opts),
		newHealthCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	s, err := config.LoadSettings(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		s.Core.LogLevel = o.logLevel
	}
	config.SetCoreConfig(&s.Core)

	o.settings = s
	o.logger = observability.NewHCLogger(observability.LogOptions{
		Name:   "queryrouter",
		Level:  s.Core.LogLevel,
		JSON:   o.logJSON,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}
