package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/config"
)

func buildValidateCmd() *cobra.Command {
	var configPath string
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file, or print its JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				schema, err := config.Schema()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(schema))
				return nil
			}

			path := config.ResolvePath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return &configError{err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d MCP servers, provider %s)\n",
				path, len(cfg.MCPServers), cfg.LLM.DefaultProvider)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file path (default: $SWITCHBOARD_CONFIG or switchboard.yaml)")
	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the config JSON schema and exit")
	return cmd
}
