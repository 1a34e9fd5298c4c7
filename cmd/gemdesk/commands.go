package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gemdesk/internal/chat"
)

const helpText = `Commands:
  /help                          show this help
  /quit                          leave the chat
  /reset                         forget the conversation so far
  /attach <path>                 send a file with the next message
  /memory                        reload GEMINI.md files
  /tools                         list tools offered to the model
  /mcp list                      show MCP servers and their status
  /mcp start|stop|restart <id>   control one MCP server
  /approvals list                show the approval whitelist
  /approvals clear               empty the whitelist
  /approvals remove <kind> <v>   remove one entry (server, tool, toolType)
  /audit [n]                     show the last n tool calls of this session
`

// command runs a slash command. It returns true when the REPL should exit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/help":
		r.printf("%s", helpText)
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		r.app.ResetConversation()
		r.attachments = nil
		r.printf("Conversation cleared.\n")
	case "/attach":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		a, err := chat.AttachmentFromFile(args[0])
		if err != nil {
			return false, err
		}
		r.attachments = append(r.attachments, a)
		r.printf("Attached %s (%s).\n", a.Filename, a.MIMEType)
	case "/memory":
		mem, err := r.app.ReloadMemory()
		if err != nil {
			return false, err
		}
		r.printf("Loaded %d memory file(s).\n", len(mem.Files))
	case "/tools":
		for _, n := range r.app.Tools().Names() {
			r.printf("  %s\n", n)
		}
	case "/mcp":
		return false, r.mcpCommand(ctx, args)
	case "/approvals":
		return false, r.approvalsCommand(args)
	case "/audit":
		return false, r.auditCommand(args)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func (r *repl) mcpCommand(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		printServers(r.app.MCP().Servers())
		return nil
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: /mcp start|stop|restart <id>")
	}

	m := r.app.MCP()
	switch args[0] {
	case "start":
		return m.Start(ctx, args[1])
	case "stop":
		return m.Stop(args[1])
	case "restart":
		return m.Restart(ctx, args[1])
	default:
		return fmt.Errorf("unknown mcp action %s", args[0])
	}
}

func (r *repl) approvalsCommand(args []string) error {
	ledger := r.app.Ledger()
	if len(args) == 0 || args[0] == "list" {
		printEntries(ledger.Entries())
		return nil
	}

	switch args[0] {
	case "clear":
		if err := ledger.Clear(); err != nil {
			return err
		}
		r.printf("Whitelist cleared.\n")
		return nil
	case "remove":
		if len(args) != 3 {
			return fmt.Errorf("usage: /approvals remove <kind> <value>")
		}
		return removeEntry(ledger, args[1], args[2])
	default:
		return fmt.Errorf("unknown approvals action %s", args[0])
	}
}

func (r *repl) auditCommand(args []string) error {
	logger := r.app.Audit()
	if logger == nil {
		return fmt.Errorf("audit trail is disabled")
	}

	n := 10
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("usage: /audit [n]")
		}
		n = v
	}

	entries, err := logger.Recent(n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		r.printf("No tool calls yet.\n")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-24s %-9s %s", e.Timestamp.Format("15:04:05"), e.ToolName, e.Outcome, e.Duration.Round(time.Millisecond))
		if e.Error != "" {
			line += "  " + e.Error
		}
		r.printf("%s\n", line)
	}
	return nil
}
