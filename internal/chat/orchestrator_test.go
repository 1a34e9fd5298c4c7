package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"gemdesk/internal/approval"
	"gemdesk/internal/client"
	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/tools"
)

// scriptedClient replays one event script per SendMessageStream call. The
// last script repeats once the list is exhausted.
type scriptedClient struct {
	scripts [][]client.Event
	openErr error

	mu      sync.Mutex
	sent    [][]*genai.Part
	history []*genai.Content
	tools   []*genai.Tool
}

func (c *scriptedClient) SendMessageStream(ctx context.Context, parts []*genai.Part) (*client.Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}

	c.mu.Lock()
	n := len(c.sent)
	c.sent = append(c.sent, parts)
	c.mu.Unlock()

	script := c.scripts[min(n, len(c.scripts)-1)]
	ch := make(chan client.Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &client.Stream{Events: ch}, nil
}

func (c *scriptedClient) SetHistory(h []*genai.Content) { c.history = h }
func (c *scriptedClient) History() []*genai.Content     { return c.history }
func (c *scriptedClient) SetTools(t []*genai.Tool)      { c.tools = t }
func (c *scriptedClient) SetSystemInstruction(string)   {}
func (c *scriptedClient) Model() string                 { return "test-model" }

func (c *scriptedClient) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *scriptedClient) sentAt(i int) []*genai.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

// echoTool is pre-approved and echoes its "text" argument.
type echoTool struct {
	name  string
	calls atomic.Int32
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: e.name}
}
func (e *echoTool) ShouldConfirmExecute(context.Context, map[string]any) (*approval.Details, error) {
	return nil, nil
}
func (e *echoTool) Execute(_ context.Context, args map[string]any) (tools.Result, error) {
	e.calls.Add(1)
	text, _ := tools.GetString(args, "text")
	return tools.TextResult("echo:" + text), nil
}

// searchTool has no confirmation hook, so every call needs info approval.
type searchTool struct{ calls atomic.Int32 }

func (s *searchTool) Name() string        { return "search" }
func (s *searchTool) Description() string { return "search" }
func (s *searchTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: "search"}
}
func (s *searchTool) Execute(context.Context, map[string]any) (tools.Result, error) {
	s.calls.Add(1)
	return tools.TextResult("results"), nil
}

// recorder collects sink output in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) sink() *Sink {
	return &Sink{
		OnContent: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "content:"+text)
		},
		OnNotification: func(n Notification) {
			r.mu.Lock()
			defer r.mu.Unlock()
			label := string(n.Type)
			if n.Name != "" {
				label += ":" + n.Name
			}
			r.events = append(r.events, label)
		},
	}
}

func (r *recorder) count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == label {
			n++
		}
	}
	return n
}

func content(text string) client.Event {
	return client.Event{Type: client.EventContent, Text: text}
}

func toolCall(id, name string, args map[string]any) client.Event {
	return client.Event{Type: client.EventToolCallRequest, ToolCall: &client.ToolCallRequest{CallID: id, Name: name, Args: args}}
}

func thoughts(n int) []client.Event {
	events := make([]client.Event, n)
	for i := range events {
		events[i] = client.Event{Type: client.EventThought, Thought: &client.Thought{Subject: fmt.Sprintf("step %d", i)}}
	}
	return events
}

func script(parts ...any) []client.Event {
	var out []client.Event
	for _, p := range parts {
		switch v := p.(type) {
		case client.Event:
			out = append(out, v)
		case []client.Event:
			out = append(out, v...)
		}
	}
	return out
}

func defaultLimits() Limits {
	return LimitsFromConfig(config.ChatConfig{})
}

func newOrchestrator(t *testing.T, c client.Client, confirmer tools.Confirmer, ts ...tools.Tool) *Orchestrator {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, reg.Register(tool))
	}
	return NewOrchestrator(c, tools.NewExecutor(reg, confirmer, nil), defaultLimits(), nil)
}

func TestPlainAnswer(t *testing.T) {
	c := &scriptedClient{scripts: [][]client.Event{{content("4"), content("")}}}
	ledger, err := approval.NewLedger(nil)
	require.NoError(t, err)
	gateway := approval.NewGateway(ledger, approval.AbortResolvesCancel, nil)
	o := newOrchestrator(t, c, gateway)
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), Message{Text: "What's 2+2?"}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, "4", out)
	assert.Equal(t, 1, c.sends())
	assert.Equal(t, []string{"content:4", "content:"}, rec.events)
	assert.Empty(t, gateway.Pending())
}

// lockedBuffer is a bytes.Buffer safe for the logger's concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCompressionIsLoggedOnce(t *testing.T) {
	logs := &lockedBuffer{}
	logging.Configure(logging.LevelInfo, logs)
	t.Cleanup(logging.Close)

	compressed := client.Event{Type: client.EventChatCompressed, Compression: &client.Compression{OriginalCount: 40, NewCount: 20}}
	c := &scriptedClient{scripts: [][]client.Event{{compressed, content("ok")}}}
	o := newOrchestrator(t, c, nil)

	out, err := o.SendMessage(context.Background(), Message{Text: "hi"}, (&recorder{}).sink())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, strings.Count(logs.String(), "chat history compressed"))
	assert.Contains(t, logs.String(), `"original":40`)
}

func TestEmptyTextReturnsPlaceholder(t *testing.T) {
	c := &scriptedClient{scripts: [][]client.Event{{}}}
	o := newOrchestrator(t, c, nil)

	out, err := o.SendMessage(context.Background(), Message{Text: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, NoResponse, out)
}

func TestEmptyMessageRejected(t *testing.T) {
	o := newOrchestrator(t, &scriptedClient{}, nil)
	_, err := o.SendMessage(context.Background(), Message{}, nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHistoryAndToolsAreSetOnClient(t *testing.T) {
	c := &scriptedClient{scripts: [][]client.Event{{content("ok")}}}
	o := newOrchestrator(t, c, nil, &echoTool{name: "echo"})

	history := HistoryFromTurns([]Turn{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}})
	_, err := o.SendMessage(context.Background(), Message{Text: "c", History: history}, nil)
	require.NoError(t, err)

	require.Len(t, c.history, 2)
	assert.Equal(t, genai.RoleModel, c.history[1].Role)
	require.Len(t, c.tools, 1)
	assert.Equal(t, "echo", c.tools[0].FunctionDeclarations[0].Name)
}

func TestToolRoundTrip(t *testing.T) {
	echo := &echoTool{name: "echo"}
	c := &scriptedClient{scripts: [][]client.Event{
		script(content("Let me check. "), toolCall("c1", "echo", map[string]any{"text": "x"})),
		script(content("Done.")),
	}}
	o := newOrchestrator(t, c, nil, echo)
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), Message{Text: "go"}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, "Let me check. Done.", out)
	assert.Equal(t, int32(1), echo.calls.Load())

	assert.Equal(t, []string{
		"content:Let me check. ",
		"tool_call:echo",
		"tool_executing:echo",
		"tool_result:echo",
		"content:Done.",
	}, rec.events)

	require.Equal(t, 2, c.sends())
	results := c.sentAt(1)
	require.Len(t, results, 1)
	fr := results[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "c1", fr.ID)
	assert.Equal(t, map[string]any{"output": "echo:x"}, fr.Response)
}

func TestContinuationKeepsRequestOrder(t *testing.T) {
	echo := &echoTool{name: "echo"}
	c := &scriptedClient{scripts: [][]client.Event{
		script(
			toolCall("a", "echo", map[string]any{"text": "1"}),
			toolCall("b", "missing", nil),
			toolCall("c", "echo", map[string]any{"text": "3"}),
		),
		script(content("ok")),
	}}
	o := newOrchestrator(t, c, nil, echo)

	_, err := o.SendMessage(context.Background(), Message{Text: "go"}, nil)
	require.NoError(t, err)

	results := c.sentAt(1)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].FunctionResponse.ID)
	assert.Equal(t, "b", results[1].FunctionResponse.ID)
	assert.Contains(t, results[1].FunctionResponse.Response["error"], "tool not found")
	assert.Equal(t, "c", results[2].FunctionResponse.ID)
}

func TestIterationBudgetStopsEndlessToolCalls(t *testing.T) {
	echo := &echoTool{name: "echo"}
	c := &scriptedClient{scripts: [][]client.Event{
		script(content("working"), toolCall("", "echo", nil)),
		script(toolCall("", "echo", nil)),
	}}
	o := newOrchestrator(t, c, nil, echo)

	out, err := o.SendMessage(context.Background(), Message{Text: "loop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "working", out)
	assert.Equal(t, int32(10), echo.calls.Load())
	assert.Equal(t, 11, c.sends())
}

func TestThoughtCeilingOnPrimaryStream(t *testing.T) {
	echo := &echoTool{name: "echo"}
	c := &scriptedClient{scripts: [][]client.Event{
		script(content("partial"), thoughts(60), toolCall("c1", "echo", nil)),
	}}
	o := newOrchestrator(t, c, nil, echo)
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), Message{Text: "think"}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, "partial", out)
	assert.Equal(t, 50, rec.count("thought"))
	assert.Equal(t, int32(0), echo.calls.Load())
	assert.Equal(t, 1, c.sends())
}

func TestThoughtCeilingTightensOnContinuation(t *testing.T) {
	echo := &echoTool{name: "echo"}
	c := &scriptedClient{scripts: [][]client.Event{
		script(thoughts(5), toolCall("c1", "echo", nil)),
		script(content("more"), thoughts(6), toolCall("c2", "echo", nil)),
	}}
	o := newOrchestrator(t, c, nil, echo)
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), Message{Text: "think"}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, "more", out)
	assert.Equal(t, 10, rec.count("thought"))
	assert.Equal(t, int32(1), echo.calls.Load())
	assert.Equal(t, 2, c.sends())
}

func TestErrorEventAbortsMessage(t *testing.T) {
	c := &scriptedClient{scripts: [][]client.Event{
		script(content("half"), client.Event{Type: client.EventError, Err: errors.New("quota exceeded")}),
	}}
	o := newOrchestrator(t, c, nil)

	_, err := o.SendMessage(context.Background(), Message{Text: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get response from model")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestOpenErrorIsWrapped(t *testing.T) {
	openErr := errors.New("dial failed")
	o := newOrchestrator(t, &scriptedClient{openErr: openErr}, nil)

	_, err := o.SendMessage(context.Background(), Message{Text: "x"}, nil)
	assert.ErrorIs(t, err, openErr)
}

func TestDeniedToolIsReportedToModel(t *testing.T) {
	ledger, err := approval.NewLedger(nil)
	require.NoError(t, err)
	gateway := approval.NewGateway(ledger, approval.AbortResolvesCancel, nil)
	gateway.SetSurface(approval.SurfaceFunc(func(_ context.Context, req *approval.Request) error {
		go func() { _ = gateway.Respond(req.ID, approval.Cancel) }()
		return nil
	}))

	search := &searchTool{}
	c := &scriptedClient{scripts: [][]client.Event{
		script(toolCall("s1", "search", nil)),
		script(content("I could not search.")),
	}}
	o := newOrchestrator(t, c, gateway, search)
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), Message{Text: "find"}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, "I could not search.", out)
	assert.Equal(t, int32(0), search.calls.Load())
	assert.Equal(t, 1, rec.count("tool_result:search"))

	fr := c.sentAt(1)[0].FunctionResponse
	assert.Equal(t, map[string]any{"error": tools.CancelledByUser}, fr.Response)
}

func TestProceedAlwaysSkipsLaterPrompts(t *testing.T) {
	ledger, err := approval.NewLedger(nil)
	require.NoError(t, err)
	gateway := approval.NewGateway(ledger, approval.AbortResolvesCancel, nil)

	var prompts atomic.Int32
	gateway.SetSurface(approval.SurfaceFunc(func(_ context.Context, req *approval.Request) error {
		prompts.Add(1)
		go func() { _ = gateway.Respond(req.ID, approval.ProceedAlways) }()
		return nil
	}))

	search := &searchTool{}
	c := &scriptedClient{scripts: [][]client.Event{
		script(toolCall("s1", "search", nil)),
		script(content("first")),
		script(toolCall("s2", "search", nil)),
		script(content("second")),
	}}
	o := newOrchestrator(t, c, gateway, search)

	out, err := o.SendMessage(context.Background(), Message{Text: "one"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = o.SendMessage(context.Background(), Message{Text: "two"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	assert.Equal(t, int32(1), prompts.Load())
	assert.Equal(t, int32(2), search.calls.Load())
	assert.False(t, ledger.NeedsApproval(approval.Info("", "")))
}

func TestCallerCancellationDuringApproval(t *testing.T) {
	ledger, err := approval.NewLedger(nil)
	require.NoError(t, err)
	gateway := approval.NewGateway(ledger, approval.AbortResolvesCancel, nil)

	ctx, cancel := context.WithCancel(context.Background())
	gateway.SetSurface(approval.SurfaceFunc(func(context.Context, *approval.Request) error {
		cancel()
		return nil
	}))

	search := &searchTool{}
	c := &scriptedClient{scripts: [][]client.Event{
		script(toolCall("s1", "search", nil)),
		script(content("unreachable")),
	}}
	o := newOrchestrator(t, c, gateway, search)

	_, err = o.SendMessage(ctx, Message{Text: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), search.calls.Load())
	assert.Empty(t, gateway.Pending())
	assert.Equal(t, 1, c.sends())
}

func TestLimitsCeilings(t *testing.T) {
	l := defaultLimits()

	primary := []struct{ count, want int }{
		{1, 10}, {10, 10}, {11, 20}, {20, 20}, {35, 40}, {50, 50}, {51, 50}, {80, 50},
	}
	for _, tt := range primary {
		assert.Equal(t, tt.want, l.PrimaryCeiling(tt.count), "primary count %d", tt.count)
	}

	continuation := []struct{ iteration, want int }{
		{1, 10}, {2, 20}, {5, 50}, {9, 50},
	}
	for _, tt := range continuation {
		assert.Equal(t, tt.want, l.ContinuationCeiling(tt.iteration), "iteration %d", tt.iteration)
	}
}
