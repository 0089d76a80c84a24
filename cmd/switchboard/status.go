package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func buildStatusCmd() *cobra.Command {
	var hostURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running host's MCP server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(hostURL + "/api/server-status")
			if err != nil {
				return fmt.Errorf("query host: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("host returned %s", resp.Status)
			}

			var status models.ServerStatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %s\n", status.LastChecked)
			if len(status.Servers) == 0 {
				fmt.Fprintln(out, "no MCP servers configured")
				return nil
			}
			for _, server := range status.Servers {
				state := "down"
				if server.IsRunning {
					state = "up"
				}
				fmt.Fprintf(out, "%-20s %-5s tools=%d\n", server.Name, state, len(server.Tools))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hostURL, "host", "http://127.0.0.1:8787", "Base URL of the running host")
	return cmd
}
