package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       *Details
		wantKind Kind
		wantKey  string
	}{
		{"nil defaults to info", nil, KindInfo, "info"},
		{"empty kind defaults to info", &Details{Title: "x"}, KindInfo, "info"},
		{"unknown kind defaults to info", &Details{Kind: "exec", ToolName: "bash"}, KindInfo, "info"},
		{"server name implies mcp", &Details{ServerName: "fs", ToolName: "read"}, KindMCP, "fs.read"},
		{"qualified tool implies mcp", &Details{ToolName: "fs.read"}, KindMCP, "fs.read"},
		{"mcp without server degrades to info", &Details{Kind: KindMCP, ToolName: "read"}, KindInfo, "info"},
		{"mcp kept", MCP("git", "log", "Git Log"), KindMCP, "git.log"},
		{"info kept", Info("t", "p"), KindInfo, "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantKey, got.Key())
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := &Details{ToolName: "fs.read"}
	out := Normalize(in)

	assert.Equal(t, "fs.read", in.ToolName)
	assert.Equal(t, Kind(""), in.Kind)
	assert.Equal(t, "read", out.ToolName)
	assert.Equal(t, "read", out.ToolDisplayName)
}

func TestUnknownKindPromptMentionsTool(t *testing.T) {
	out := Normalize(&Details{Kind: "exec", ToolName: "bash"})
	assert.Equal(t, "Allow bash to run?", out.Prompt)
}
