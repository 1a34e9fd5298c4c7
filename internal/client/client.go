package client

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// EventType tags an Event.
type EventType string

const (
	EventContent          EventType = "content"
	EventToolCallRequest  EventType = "tool_call_request"
	EventToolCallResponse EventType = "tool_call_response"
	EventError            EventType = "error"
	EventThought          EventType = "thought"
	EventChatCompressed   EventType = "chat_compressed"
)

// Event is one item of a model stream. Type selects which field is set:
// Text for content, ToolCall for tool_call_request, CallID for
// tool_call_response, Err for error, Thought for thought and Compression
// for chat_compressed.
type Event struct {
	Type        EventType
	Text        string
	ToolCall    *ToolCallRequest
	CallID      string
	Err         error
	Thought     *Thought
	Compression *Compression
}

// ToolCallRequest is a function call emitted by the model.
type ToolCallRequest struct {
	CallID string
	Name   string
	Args   map[string]any
}

// Thought is a reasoning summary emitted while thinking is enabled.
type Thought struct {
	Subject     string
	Description string
}

// Compression reports that old history was dropped before a request.
type Compression struct {
	OriginalCount int
	NewCount      int
}

// Stream delivers the events of one model turn. Events is closed when the
// turn ends, after an error event or when the request ctx is cancelled.
type Stream struct {
	Events <-chan Event
}

// Client is the model-side collaborator of the orchestrator. History is
// kept by the client so a continuation only carries the new parts.
type Client interface {
	// SendMessageStream appends parts as a user turn and streams the reply.
	SendMessageStream(ctx context.Context, parts []*genai.Part) (*Stream, error)

	// SetHistory replaces the conversation history.
	SetHistory(history []*genai.Content)

	// History returns a copy of the conversation history.
	History() []*genai.Content

	// SetTools sets the tools available for function calling.
	SetTools(tools []*genai.Tool)

	// SetSystemInstruction sets the system-level instruction for the model.
	SetSystemInstruction(instruction string)

	// Model returns the model name.
	Model() string
}

// ParseThought splits a thought into subject and description. Gemini
// summaries start with a bold **Subject** line.
func ParseThought(text string) Thought {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "**") {
		rest := trimmed[2:]
		if end := strings.Index(rest, "**"); end >= 0 {
			return Thought{
				Subject:     strings.TrimSpace(rest[:end]),
				Description: strings.TrimSpace(rest[end+2:]),
			}
		}
	}
	return Thought{Description: trimmed}
}
