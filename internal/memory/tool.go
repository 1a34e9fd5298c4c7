package memory

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"gemdesk/internal/logging"
	"gemdesk/internal/tools"
)

// SaveMemoryTool lets the model remember a fact across sessions by
// appending it to the project's GEMINI.md. It has no confirmation hook, so
// the executor asks with the default confirmation.
type SaveMemoryTool struct {
	dir     string
	onSaved func(Memory)
}

// NewSaveMemoryTool creates the tool for dir. onSaved, when set, receives
// the reloaded memory after every successful save.
func NewSaveMemoryTool(dir string, onSaved func(Memory)) *SaveMemoryTool {
	return &SaveMemoryTool{dir: dir, onSaved: onSaved}
}

func (t *SaveMemoryTool) Name() string {
	return "save_memory"
}

func (t *SaveMemoryTool) Description() string {
	return "Saves a specific fact about the user or project to long-term memory. Use it when the user explicitly asks you to remember something."
}

func (t *SaveMemoryTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"fact": {
					Type:        genai.TypeString,
					Description: "The fact to remember, as a short self-contained statement",
				},
			},
			Required: []string{"fact"},
		},
	}
}

func (t *SaveMemoryTool) Validate(args map[string]any) error {
	fact, ok := tools.GetString(args, "fact")
	if !ok || fact == "" {
		return tools.NewValidationError("fact", "is required")
	}
	return nil
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return tools.Result{}, err
	}

	fact, _ := tools.GetString(args, "fact")
	if err := SaveFact(t.dir, fact); err != nil {
		return tools.Result{}, err
	}

	if t.onSaved != nil {
		mem, err := Load(t.dir)
		if err != nil {
			logging.Warn("memory reload failed", "dir", t.dir, "error", err)
		} else {
			t.onSaved(mem)
		}
	}

	return tools.TextResult(fmt.Sprintf("Okay, I've remembered that: %q", fact)), nil
}
