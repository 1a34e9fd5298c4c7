package approval

import (
	"fmt"
	"strings"
)

// Kind tags the variant held by Details.
type Kind string

const (
	// KindMCP identifies a tool served by an MCP server.
	KindMCP Kind = "mcp"
	// KindInfo is the generic informational approval; its whitelist key is
	// the literal tag "info".
	KindInfo Kind = "info"
)

// Details is the confirmation metadata a tool hands to the gateway.
// Exactly one variant is meaningful, selected by Kind:
//
//	mcp:  ServerName, ToolName, ToolDisplayName
//	info: Prompt, URLs
type Details struct {
	Kind       Kind
	Title      string
	ToolCallID string

	ServerName      string
	ToolName        string
	ToolDisplayName string

	Prompt string
	URLs   []string
}

// MCP builds mcp-kind details.
func MCP(serverName, toolName, displayName string) *Details {
	if displayName == "" {
		displayName = toolName
	}
	return &Details{
		Kind:            KindMCP,
		Title:           fmt.Sprintf("Confirm MCP tool: %s", displayName),
		ServerName:      serverName,
		ToolName:        toolName,
		ToolDisplayName: displayName,
	}
}

// Info builds info-kind details.
func Info(title, prompt string, urls ...string) *Details {
	return &Details{
		Kind:   KindInfo,
		Title:  title,
		Prompt: prompt,
		URLs:   urls,
	}
}

// Key returns the whitelist identity: "server.tool" for mcp, the kind tag
// otherwise.
func (d *Details) Key() string {
	if d.Kind == KindMCP {
		return d.ServerName + "." + d.ToolName
	}
	return string(d.Kind)
}

// Normalize coerces loosely filled metadata into a single variant.
// Details that name a server, or a "server.tool" tool name, become mcp;
// anything else without a known kind becomes info. Nil yields generic info.
func Normalize(d *Details) *Details {
	if d == nil {
		return Info("Confirm tool execution", "")
	}

	out := *d
	switch out.Kind {
	case KindMCP:
		if out.ServerName == "" {
			splitQualified(&out)
		}
		if out.ToolDisplayName == "" {
			out.ToolDisplayName = out.ToolName
		}
		if out.ServerName == "" {
			return asInfo(out)
		}
		return &out
	case KindInfo:
		return &out
	}

	if out.ServerName != "" || strings.Contains(out.ToolName, ".") {
		out.Kind = KindMCP
		return Normalize(&out)
	}
	return asInfo(out)
}

func splitQualified(d *Details) {
	server, tool, ok := strings.Cut(d.ToolName, ".")
	if ok && server != "" && tool != "" {
		d.ServerName = server
		d.ToolName = tool
	}
}

func asInfo(d Details) *Details {
	prompt := d.Prompt
	if prompt == "" && d.ToolName != "" {
		prompt = fmt.Sprintf("Allow %s to run?", d.ToolName)
	}
	return &Details{
		Kind:       KindInfo,
		Title:      d.Title,
		ToolCallID: d.ToolCallID,
		Prompt:     prompt,
		URLs:       d.URLs,
	}
}
