package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome values recorded for a tool call.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Entry is one line of the audit trail.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args,omitempty"`
	Outcome   string         `json:"outcome"`
	Output    string         `json:"output,omitempty"` // truncated
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
}

// NewEntry creates an entry with a generated ID and the current time.
func NewEntry(sessionID, callID, toolName string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		CallID:    callID,
		ToolName:  toolName,
	}
}

// MarshalJSON writes Duration as whole milliseconds.
func (e *Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	return json.Marshal(&struct {
		*Alias
		DurationMs int64 `json:"duration_ms"`
	}{
		Alias:      (*Alias)(e),
		DurationMs: e.Duration.Milliseconds(),
	})
}

// UnmarshalJSON reads duration_ms back into Duration.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := &struct {
		*Alias
		DurationMs int64 `json:"duration_ms"`
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	e.Duration = time.Duration(aux.DurationMs) * time.Millisecond
	return nil
}
