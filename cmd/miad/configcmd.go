package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mia/internal/config"
)

func newConfigCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the effective configuration"}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged and validated configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(b, '\n'))
			return err
		},
	}

	cmd.AddCommand(show, schema)
	return cmd
}
