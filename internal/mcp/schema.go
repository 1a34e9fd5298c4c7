package mcp

import (
	"encoding/json"
	"fmt"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"
)

// maxFunctionName is the longest function name Gemini accepts.
const maxFunctionName = 64

// ConvertInputSchema converts an MCP tool input schema to a Gemini Schema.
func ConvertInputSchema(in mcptypes.ToolInputSchema) *genai.Schema {
	schema := &genai.Schema{
		Type:     genai.TypeObject,
		Required: in.Required,
	}
	if len(in.Properties) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(in.Properties))
		for name, prop := range in.Properties {
			schema.Properties[name] = convertProperty(prop)
		}
	}
	return schema
}

// convertProperty converts one JSON Schema node held as decoded JSON.
func convertProperty(v any) *genai.Schema {
	prop, ok := v.(map[string]any)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return &genai.Schema{Type: genai.TypeString}
		}
		if err := json.Unmarshal(data, &prop); err != nil {
			return &genai.Schema{Type: genai.TypeString}
		}
	}

	schema := &genai.Schema{}
	if desc, ok := prop["description"].(string); ok {
		schema.Description = desc
	}

	typeName, nullable := schemaType(prop["type"])
	if nullable {
		schema.Nullable = genai.Ptr(true)
	}
	if typeName == "" {
		if anyOf, ok := prop["anyOf"].([]any); ok && len(anyOf) > 0 {
			for _, alt := range anyOf {
				schema.AnyOf = append(schema.AnyOf, convertProperty(alt))
			}
			return schema
		}
	}

	switch typeName {
	case "string":
		schema.Type = genai.TypeString
		if format, ok := prop["format"].(string); ok && (format == "enum" || format == "date-time") {
			schema.Format = format
		}
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := prop["items"]; ok {
			schema.Items = convertProperty(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := prop["properties"].(map[string]any); ok && len(props) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				schema.Properties[name] = convertProperty(p)
			}
		}
		schema.Required = stringSlice(prop["required"])
	default:
		schema.Type = genai.TypeString
	}

	if enum := stringSlice(prop["enum"]); len(enum) > 0 {
		schema.Type = genai.TypeString
		schema.Enum = enum
	}
	return schema
}

// schemaType returns the JSON Schema type name. A ["T", "null"] union
// yields T with nullable set.
func schemaType(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, false
	case []any:
		var name string
		nullable := false
		for _, item := range t {
			s, _ := item.(string)
			if s == "null" {
				nullable = true
			} else if name == "" {
				name = s
			}
		}
		return name, nullable
	case []string:
		return schemaType(toAnySlice(t))
	}
	return "", false
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// FunctionName builds the model-facing name of an MCP tool: server__tool,
// sanitized and truncated to what Gemini accepts.
func FunctionName(server, tool string) string {
	name := sanitizeFunctionName(server + "__" + tool)
	if len(name) > maxFunctionName {
		name = name[:maxFunctionName]
	}
	return name
}

// sanitizeFunctionName ensures the function name is valid for Gemini.
// Gemini function names must match: [a-zA-Z_][a-zA-Z0-9_.-]*
func sanitizeFunctionName(name string) string {
	if name == "" {
		return "unnamed_tool"
	}

	result := make([]byte, 0, len(name))
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			result = append(result, byte(c))
		case c >= '0' && c <= '9', c == '-', c == '.':
			if i == 0 {
				result = append(result, '_')
			}
			result = append(result, byte(c))
		case c == ' ' || c == '/':
			result = append(result, '_')
		}
	}

	if len(result) == 0 {
		return "unnamed_tool"
	}
	return string(result)
}
