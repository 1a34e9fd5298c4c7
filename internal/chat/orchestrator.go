package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"google.golang.org/genai"

	"gemdesk/internal/client"
	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/metrics"
	"gemdesk/internal/tools"
)

// NoResponse is returned when a turn produced no text at all.
const NoResponse = "No response generated"

// recentThoughtWindow is how many thought subjects are kept to spot loops.
const recentThoughtWindow = 5

// ErrEmptyMessage is returned when a message has neither text nor
// attachments.
var ErrEmptyMessage = errors.New("message is empty")

// NotificationType tags a Notification.
type NotificationType string

const (
	NotifyToolCall      NotificationType = "tool_call"
	NotifyToolExecuting NotificationType = "tool_executing"
	NotifyToolResult    NotificationType = "tool_result"
	NotifyThought       NotificationType = "thought"
)

// Notification is a progress event for the user interface.
type Notification struct {
	Type    NotificationType `json:"type"`
	Name    string           `json:"name,omitempty"`
	Value   *client.Thought  `json:"value,omitempty"`
	Failed  bool             `json:"failed,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Sink receives streamed text and progress notifications. Either callback
// may be nil. Tool notifications may arrive concurrently when parallel
// tool execution is enabled.
type Sink struct {
	OnContent      func(text string)
	OnNotification func(n Notification)
}

func (s *Sink) content(text string) {
	if s != nil && s.OnContent != nil {
		s.OnContent(text)
	}
}

func (s *Sink) notify(n Notification) {
	if s != nil && s.OnNotification != nil {
		s.OnNotification(n)
	}
}

// Limits bound one SendMessage call.
type Limits struct {
	MaxIterations int
	ThoughtStep   int
	ThoughtCap    int
}

// LimitsFromConfig reads Limits from the chat section, falling back to
// the defaults for unset values.
func LimitsFromConfig(cfg config.ChatConfig) Limits {
	l := Limits{
		MaxIterations: cfg.MaxIterations,
		ThoughtStep:   cfg.ThoughtStep,
		ThoughtCap:    cfg.ThoughtCap,
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = config.DefaultMaxIterations
	}
	if l.ThoughtStep <= 0 {
		l.ThoughtStep = config.DefaultThoughtStep
	}
	if l.ThoughtCap <= 0 {
		l.ThoughtCap = config.DefaultThoughtCap
	}
	return l
}

// PrimaryCeiling is the thought ceiling while the first stream runs: count
// rounded up to the next step, at least one step, never above the cap.
func (l Limits) PrimaryCeiling(count int) int {
	ceiling := (count + l.ThoughtStep - 1) / l.ThoughtStep * l.ThoughtStep
	ceiling = max(ceiling, l.ThoughtStep)
	return min(ceiling, l.ThoughtCap)
}

// ContinuationCeiling is the thought ceiling for the n-th (1-based)
// continuation stream.
func (l Limits) ContinuationCeiling(iteration int) int {
	return min(l.ThoughtStep*iteration, l.ThoughtCap)
}

// Orchestrator drives one user message through the model and any tool
// calls it requests until the model answers in plain text.
type Orchestrator struct {
	client   client.Client
	executor *tools.Executor
	limits   Limits
	metrics  *metrics.Provider
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(c client.Client, executor *tools.Executor, limits Limits, m *metrics.Provider) *Orchestrator {
	return &Orchestrator{
		client:   c,
		executor: executor,
		limits:   limits,
		metrics:  m,
	}
}

// Client returns the model client.
func (o *Orchestrator) Client() client.Client {
	return o.client
}

// turnState is shared by every stream of one SendMessage call.
type turnState struct {
	text     strings.Builder
	thoughts int
	recent   []string
	tripped  bool
}

// SendMessage sends msg, executes requested tools and feeds their results
// back until the model stops calling tools, the iteration budget runs out
// or the thought ceiling trips. It returns the accumulated text.
func (o *Orchestrator) SendMessage(ctx context.Context, msg Message, sink *Sink) (string, error) {
	parts := msg.Parts()
	if len(parts) == 0 {
		return "", ErrEmptyMessage
	}

	if reg := o.executor.Registry(); reg != nil {
		o.client.SetTools(reg.GeminiTools())
	}
	if msg.History != nil {
		o.client.SetHistory(msg.History)
	}

	// One cancel covers every stream and tool call of this message.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &turnState{}
	stream, err := o.client.SendMessageStream(ctx, parts)
	if err != nil {
		return "", o.fail(err)
	}
	calls, err := o.consume(ctx, cancel, stream, state, o.limits.PrimaryCeiling, sink)
	if err != nil {
		return "", o.fail(err)
	}

	executor := o.executor.WithHandler(&tools.ExecutionHandler{
		OnToolRequested: func(call tools.Call) {
			sink.notify(Notification{Type: NotifyToolExecuting, Name: call.Name})
		},
		OnToolEnd: func(call tools.Call, resp tools.Response) {
			sink.notify(Notification{Type: NotifyToolResult, Name: call.Name, Failed: resp.Failed()})
		},
	})

	for iteration := 1; len(calls) > 0 && !state.tripped; iteration++ {
		if iteration > o.limits.MaxIterations {
			logging.Warn("maximum iteration limit reached, stopping tool execution",
				"max_iterations", o.limits.MaxIterations,
				"pending_calls", len(calls))
			o.metrics.IncrementIterationCutoff()
			break
		}

		responses := executor.ExecuteAll(ctx, calls)
		if ctx.Err() != nil {
			return "", o.fail(ctx.Err())
		}

		results := make([]*genai.Part, len(responses))
		for i, resp := range responses {
			results[i] = resp.Part()
		}

		stream, err := o.client.SendMessageStream(ctx, results)
		if err != nil {
			return "", o.fail(err)
		}
		ceiling := o.limits.ContinuationCeiling(iteration)
		calls, err = o.consume(ctx, cancel, stream, state, func(int) int { return ceiling }, sink)
		if err != nil {
			return "", o.fail(err)
		}
	}

	o.metrics.IncrementMessage("ok")
	if state.text.Len() == 0 {
		return NoResponse, nil
	}
	return state.text.String(), nil
}

// consume reads one stream to its end and returns the tool calls it
// requested. A thought-ceiling trip cancels ctx and returns early with no
// calls.
func (o *Orchestrator) consume(
	ctx context.Context,
	abort context.CancelFunc,
	stream *client.Stream,
	state *turnState,
	ceiling func(count int) int,
	sink *Sink,
) ([]tools.Call, error) {
	var calls []tools.Call

	for ev := range stream.Events {
		switch ev.Type {
		case client.EventContent:
			state.text.WriteString(ev.Text)
			sink.content(ev.Text)

		case client.EventToolCallRequest:
			req := ev.ToolCall
			if req == nil {
				continue
			}
			calls = append(calls, tools.Call{ID: req.CallID, Name: req.Name, Args: req.Args})
			sink.notify(Notification{Type: NotifyToolCall, Name: req.Name})

		case client.EventToolCallResponse:
			logging.Debug("tool call response acknowledged", "call_id", ev.CallID)

		case client.EventChatCompressed:
			if ev.Compression != nil {
				logging.Info("chat history compressed",
					"original", ev.Compression.OriginalCount,
					"new", ev.Compression.NewCount)
			}

		case client.EventThought:
			thought := ev.Thought
			if thought == nil {
				thought = &client.Thought{}
			}
			state.thoughts++
			if slices.Contains(state.recent, thought.Subject) {
				logging.Debug("repetitive thought detected", "subject", thought.Subject)
			}
			state.recent = append(state.recent, thought.Subject)
			if len(state.recent) > recentThoughtWindow {
				state.recent = state.recent[1:]
			}

			limit := ceiling(state.thoughts)
			if state.thoughts > limit {
				logging.Warn("thought limit reached, stopping turn",
					"thoughts", state.thoughts,
					"limit", limit)
				o.metrics.IncrementThoughtLimit()
				state.tripped = true
				abort()
				return nil, nil
			}
			sink.notify(Notification{Type: NotifyThought, Value: thought})

		case client.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("unknown stream error")
			}
			return nil, err

		default:
			logging.Debug("ignoring stream event", "type", string(ev.Type))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return calls, nil
}

func (o *Orchestrator) fail(err error) error {
	o.metrics.IncrementMessage("error")
	return fmt.Errorf("failed to get response from model: %w", err)
}
