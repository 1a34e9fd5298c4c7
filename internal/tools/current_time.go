package tools

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"gemdesk/internal/approval"
)

// CurrentTimeTool reports the local time. It is read-only, so its
// confirmation hook pre-approves every call.
type CurrentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool creates a new current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string {
	return "current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Returns the current date and time, optionally in a given IANA time zone."
}

func (t *CurrentTimeTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"timezone": {
					Type:        genai.TypeString,
					Description: "IANA time zone such as Europe/Berlin (default: local)",
				},
			},
		},
	}
}

func (t *CurrentTimeTool) ShouldConfirmExecute(context.Context, map[string]any) (*approval.Details, error) {
	return nil, nil
}

func (t *CurrentTimeTool) Execute(_ context.Context, args map[string]any) (Result, error) {
	now := t.now()

	if tz := GetStringDefault(args, "timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Result{}, fmt.Errorf("unknown time zone %q", tz)
		}
		now = now.In(loc)
	}

	return ValueResult(map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": now.Location().String(),
		"weekday":  now.Weekday().String(),
	}), nil
}
