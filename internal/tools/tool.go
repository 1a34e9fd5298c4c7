package tools

import (
	"context"

	"google.golang.org/genai"

	"gemdesk/internal/approval"
)

// Tool defines the interface for all tools the model can call.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Declaration returns the Gemini function declaration for this tool.
	Declaration() *genai.FunctionDeclaration

	// Execute runs the tool with the given arguments. It must honor ctx.
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Confirmable is implemented by tools that decide for themselves whether a
// call needs human confirmation. Returning nil details means the call is
// pre-approved.
type Confirmable interface {
	ShouldConfirmExecute(ctx context.Context, args map[string]any) (*approval.Details, error)
}

// Validator is implemented by tools that check arguments before running.
type Validator interface {
	Validate(args map[string]any) error
}

// ValidationError represents a tool argument validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// GetString extracts a string argument from the args map.
func GetString(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetStringDefault extracts a string argument with a default value.
func GetStringDefault(args map[string]any, key, defaultVal string) string {
	if val, ok := GetString(args, key); ok {
		return val
	}
	return defaultVal
}

// GetStrings extracts a list of strings, accepting a single string too.
func GetStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
