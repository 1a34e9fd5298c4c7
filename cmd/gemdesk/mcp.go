package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gemdesk/internal/app"
	"gemdesk/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return err
			}

			a, err := app.NewBuilder(cfg, wd).WithoutClient().Build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			if connect {
				ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
				defer cancel()
				if err := a.MCP().StartEnabled(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "%v\n", err)
				}
			}
			printServers(a.MCP().Servers())
			return nil
		},
	}
	list.Flags().BoolVar(&connect, "connect", false, "connect to enabled servers and list their tools")

	cmd.AddCommand(list)
	return cmd
}

func printServers(servers []mcp.ServerState) {
	if len(servers) == 0 {
		fmt.Println("No MCP servers configured.")
		return
	}
	for _, s := range servers {
		fmt.Printf("  %-20s %-6s %s\n", s.ID, s.Transport, s.Status)
		if s.Error != "" {
			fmt.Printf("      error: %s\n", s.Error)
		}
		if len(s.Tools) > 0 {
			fmt.Printf("      tools: %s\n", strings.Join(s.Tools, ", "))
		}
	}
}
