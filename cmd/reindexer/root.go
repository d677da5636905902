package main

import (
	"github.com/spf13/cobra"

	"github.com/ahrav/issue-reindex/internal/config"
	"github.com/ahrav/issue-reindex/internal/config/fileloader"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "reindexer",
		Short:         "Reconciles the issue search index against the issue store",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       build,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to a YAML config file; REINDEX_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(opts),
		newReindexCmd(opts),
		newConfigCmd(opts),
	)

	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	return fileloader.NewFileLoader(o.configPath).Load(cmd.Context())
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			return cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}
