package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"

	"gemdesk/internal/approval"
	"gemdesk/internal/tools"
)

// Tool exposes one MCP server tool to the model. Calls go through the
// Manager so they fail with ErrServerNotConnected once the server stops.
type Tool struct {
	manager     *Manager
	serverID    string
	serverName  string
	toolName    string
	name        string
	trust       bool
	inputSchema mcptypes.ToolInputSchema
	declaration *genai.FunctionDeclaration
}

func newTool(m *Manager, serverID, serverName string, trust bool, info mcptypes.Tool) *Tool {
	name := FunctionName(serverName, info.Name)
	return &Tool{
		manager:     m,
		serverID:    serverID,
		serverName:  serverName,
		toolName:    info.Name,
		name:        name,
		trust:       trust,
		inputSchema: info.InputSchema,
		declaration: &genai.FunctionDeclaration{
			Name:        name,
			Description: info.Description,
			Parameters:  ConvertInputSchema(info.InputSchema),
		},
	}
}

// Name returns the server__tool function name.
func (t *Tool) Name() string {
	return t.name
}

func (t *Tool) Description() string {
	return t.declaration.Description
}

func (t *Tool) Declaration() *genai.FunctionDeclaration {
	return t.declaration
}

// ServerID returns the id of the server the tool belongs to.
func (t *Tool) ServerID() string {
	return t.serverID
}

// ToolName returns the name the server knows the tool by.
func (t *Tool) ToolName() string {
	return t.toolName
}

// ShouldConfirmExecute returns mcp details keyed on server and tool name.
// Tools of trusted servers run without confirmation.
func (t *Tool) ShouldConfirmExecute(context.Context, map[string]any) (*approval.Details, error) {
	if t.trust {
		return nil, nil
	}
	return approval.MCP(t.serverName, t.toolName, t.name), nil
}

// Validate checks required arguments and primitive property types.
func (t *Tool) Validate(args map[string]any) error {
	for _, required := range t.inputSchema.Required {
		if _, ok := args[required]; !ok {
			return tools.NewValidationError(required, "is required")
		}
	}

	for name, raw := range t.inputSchema.Properties {
		val, ok := args[name]
		if !ok || val == nil {
			continue
		}
		prop, _ := raw.(map[string]any)
		typeName, _ := schemaType(prop["type"])
		if err := validateValue(name, val, typeName); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, val any, typeName string) error {
	switch typeName {
	case "string":
		if _, ok := val.(string); !ok {
			return tools.NewValidationError(name, "must be a string")
		}
	case "number", "integer":
		switch val.(type) {
		case int, int32, int64, float32, float64, json.Number:
		default:
			return tools.NewValidationError(name, "must be a number")
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return tools.NewValidationError(name, "must be a boolean")
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return tools.NewValidationError(name, "must be an array")
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return tools.NewValidationError(name, "must be an object")
		}
	}
	return nil
}

// Execute calls the tool on its server and converts the content blocks to
// parts. A result flagged isError becomes an error.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := t.manager.CallTool(ctx, t.serverID, t.toolName, args)
	if err != nil {
		return tools.Result{}, err
	}

	parts := contentParts(result.Content)
	if result.IsError {
		msg := tools.PartsResult(parts...).Output()
		if msg == "" {
			msg = "MCP tool reported an error"
		}
		return tools.Result{}, errors.New(msg)
	}
	if len(parts) == 0 {
		return tools.TextResult("(no output)"), nil
	}
	return tools.PartsResult(parts...), nil
}

// contentParts converts MCP content blocks into genai parts. Images become
// inline data; blocks without a direct equivalent are kept as JSON text.
func contentParts(content []mcptypes.Content) []*genai.Part {
	parts := make([]*genai.Part, 0, len(content))
	for _, block := range content {
		if text, ok := mcptypes.AsTextContent(block); ok {
			parts = append(parts, genai.NewPartFromText(text.Text))
			continue
		}
		if img, ok := mcptypes.AsImageContent(block); ok {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err == nil {
				parts = append(parts, genai.NewPartFromBytes(data, img.MIMEType))
				continue
			}
		}
		data, err := json.Marshal(block)
		if err != nil {
			continue
		}
		parts = append(parts, genai.NewPartFromText(strings.TrimSpace(string(data))))
	}
	return parts
}
