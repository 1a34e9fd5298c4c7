package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gemdesk/internal/approval"
)

func newApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Inspect and edit the tool approval whitelist",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List whitelisted servers, tools and tool types",
			RunE: func(cmd *cobra.Command, args []string) error {
				ledger, err := openLedger()
				if err != nil {
					return err
				}
				printEntries(ledger.Entries())
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every whitelist entry",
			RunE: func(cmd *cobra.Command, args []string) error {
				ledger, err := openLedger()
				if err != nil {
					return err
				}
				if err := ledger.Clear(); err != nil {
					return err
				}
				fmt.Println("Whitelist cleared.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <server|tool|toolType> <value>",
			Short: "Remove one whitelist entry",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ledger, err := openLedger()
				if err != nil {
					return err
				}
				return removeEntry(ledger, args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "trust-server <name>",
			Short: "Allow every tool of an MCP server without asking",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ledger, err := openLedger()
				if err != nil {
					return err
				}
				if err := ledger.AddServer(args[0]); err != nil {
					return err
				}
				fmt.Printf("Trusted MCP server %s.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func openLedger() (*approval.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return approval.NewLedger(approval.NewFileStore(cfg.Approval.WhitelistPath))
}

func printEntries(entries []approval.Entry) {
	if len(entries) == 0 {
		fmt.Println("Whitelist is empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %-9s %s\n", e.Kind, e.Label)
	}
}

func removeEntry(ledger *approval.Ledger, kind, value string) error {
	listKind := approval.ListKind(kind)
	switch strings.ToLower(kind) {
	case "server", "servers":
		listKind = approval.ListServers
	case "tool", "tools":
		listKind = approval.ListTools
	case "tooltype", "tooltypes", "type":
		listKind = approval.ListToolTypes
	}
	if err := ledger.Remove(listKind, value); err != nil {
		return err
	}
	fmt.Printf("Removed %s %s.\n", listKind, value)
	return nil
}
