package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"gemdesk/internal/approval"
)

// stubTool is a configurable Tool without a confirmation hook.
type stubTool struct {
	name    string
	result  Result
	err     error
	delay   time.Duration
	calls   atomic.Int32
	lastCtx context.Context
	mu      sync.Mutex
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: s.name, Description: s.Description()}
}

func (s *stubTool) Execute(ctx context.Context, _ map[string]any) (Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastCtx = ctx
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

// hookedTool adds a confirmation hook to stubTool.
type hookedTool struct {
	*stubTool
	details *approval.Details
	hookErr error
}

func (h *hookedTool) ShouldConfirmExecute(context.Context, map[string]any) (*approval.Details, error) {
	return h.details, h.hookErr
}

type panicTool struct{ stubTool }

func (p *panicTool) Execute(context.Context, map[string]any) (Result, error) {
	panic("boom")
}

// scriptedConfirmer answers every confirmation with outcome.
type scriptedConfirmer struct {
	outcome approval.Outcome
	seen    []*approval.Details
	mu      sync.Mutex
}

func (c *scriptedConfirmer) Confirm(_ context.Context, d *approval.Details) (approval.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, d)
	return c.outcome, nil
}

func newExecutor(t *testing.T, confirmer Confirmer, tools ...Tool) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, r.Register(tool))
	}
	return NewExecutor(r, confirmer, nil)
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce})

	resp := e.Execute(context.Background(), Call{ID: "c1", Name: "missing"})
	assert.Equal(t, "c1", resp.CallID)
	assert.Contains(t, resp.Error, ErrToolNotFound.Error())
	assert.Contains(t, resp.Error, "missing")
}

func TestHooklessToolRequiresInfoApproval(t *testing.T) {
	confirmer := &scriptedConfirmer{outcome: approval.ProceedOnce}
	tool := &stubTool{name: "search", result: TextResult("found")}
	e := newExecutor(t, confirmer, tool)

	resp := e.Execute(context.Background(), Call{ID: "c1", Name: "search"})
	require.False(t, resp.Failed())
	assert.Equal(t, "found", resp.Output)

	require.Len(t, confirmer.seen, 1)
	assert.Equal(t, approval.KindInfo, confirmer.seen[0].Kind)
	assert.Equal(t, "c1", confirmer.seen[0].ToolCallID)
}

func TestHookReturningNilIsPreApproved(t *testing.T) {
	confirmer := &scriptedConfirmer{outcome: approval.Cancel}
	tool := &hookedTool{stubTool: &stubTool{name: "clock", result: TextResult("noon")}}
	e := newExecutor(t, confirmer, tool)

	resp := e.Execute(context.Background(), Call{Name: "clock"})
	assert.Equal(t, "noon", resp.Output)
	assert.Empty(t, confirmer.seen)
	assert.NotEmpty(t, resp.CallID)
}

func TestHookDetailsRoutedAndCancelled(t *testing.T) {
	confirmer := &scriptedConfirmer{outcome: approval.Cancel}
	tool := &hookedTool{
		stubTool: &stubTool{name: "fs__write", result: TextResult("written")},
		details:  approval.MCP("fs", "write", "Write"),
	}
	e := newExecutor(t, confirmer, tool)

	var denied []string
	e.SetHandler(&ExecutionHandler{OnToolDenied: func(c Call) { denied = append(denied, c.Name) }})

	resp := e.Execute(context.Background(), Call{ID: "c9", Name: "fs__write"})
	assert.Equal(t, CancelledByUser, resp.Error)
	assert.Equal(t, int32(0), tool.calls.Load())
	assert.Equal(t, []string{"fs__write"}, denied)

	require.Len(t, confirmer.seen, 1)
	assert.Equal(t, "fs.write", confirmer.seen[0].Key())
	assert.Empty(t, tool.details.ToolCallID, "hook details must not be mutated")

	fr := resp.FunctionResponse()
	assert.Equal(t, "c9", fr.ID)
	assert.Equal(t, map[string]any{"error": CancelledByUser}, fr.Response)
}

func TestHookErrorBecomesErrorResponse(t *testing.T) {
	tool := &hookedTool{stubTool: &stubTool{name: "x"}, hookErr: errors.New("bad args")}
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, tool)

	resp := e.Execute(context.Background(), Call{Name: "x"})
	assert.Contains(t, resp.Error, "bad args")
	assert.Equal(t, int32(0), tool.calls.Load())
}

func TestNilConfirmerFailsClosed(t *testing.T) {
	tool := &stubTool{name: "search"}
	e := newExecutor(t, nil, tool)

	resp := e.Execute(context.Background(), Call{Name: "search"})
	assert.Equal(t, CancelledByUser, resp.Error)
	assert.Equal(t, int32(0), tool.calls.Load())
}

func TestExecutionErrorAndPanicAreContained(t *testing.T) {
	failing := &stubTool{name: "fail", err: errors.New("exploded")}
	panicky := &panicTool{stubTool{name: "panic"}}
	ok := &stubTool{name: "ok", result: ValueResult([]int{1, 2})}
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, failing, panicky, ok)

	responses := e.ExecuteAll(context.Background(), []Call{
		{Name: "fail"}, {Name: "panic"}, {Name: "ok"},
	})
	require.Len(t, responses, 3)
	assert.Equal(t, "exploded", responses[0].Error)
	assert.Equal(t, "panic: boom", responses[1].Error)
	assert.Equal(t, "[1,2]", responses[2].Output)
	assert.Equal(t, map[string]any{"output": "[1,2]"}, responses[2].FunctionResponse().Response)
}

func TestExecuteAllKeepsRequestOrderInParallel(t *testing.T) {
	slow := &stubTool{name: "slow", result: TextResult("slow"), delay: 50 * time.Millisecond}
	fast := &stubTool{name: "fast", result: TextResult("fast")}
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, slow, fast)
	e.SetParallel(true)

	var ended []string
	var mu sync.Mutex
	e.SetHandler(&ExecutionHandler{OnToolEnd: func(c Call, _ Response) {
		mu.Lock()
		ended = append(ended, c.Name)
		mu.Unlock()
	}})

	calls := []Call{{Name: "slow"}, {Name: "fast"}}
	responses := e.ExecuteAll(context.Background(), calls)

	require.Len(t, responses, 2)
	assert.Equal(t, "slow", responses[0].Output)
	assert.Equal(t, "fast", responses[1].Output)
	assert.Equal(t, calls[0].ID, responses[0].CallID)
	assert.Equal(t, calls[1].ID, responses[1].CallID)
	assert.Equal(t, []string{"fast", "slow"}, ended)
}

func TestExecutePassesCancellationToTool(t *testing.T) {
	tool := &stubTool{name: "wait", delay: time.Minute}
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, tool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := e.Execute(ctx, Call{Name: "wait"})
	assert.Equal(t, context.Canceled.Error(), resp.Error)
}

func TestNewCallIDShape(t *testing.T) {
	a := NewCallID("search")
	b := NewCallID("search")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^search-\d+-[0-9a-f]{8}$`, a)
}

func TestWithHandlerKeepsBaseHandler(t *testing.T) {
	tool := &stubTool{name: "search", result: TextResult("ok")}
	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, tool)

	var events []string
	e.SetHandler(&ExecutionHandler{
		OnToolEnd: func(c Call, _ Response) { events = append(events, "base-end") },
	})
	scoped := e.WithHandler(&ExecutionHandler{
		OnToolRequested: func(c Call) { events = append(events, "scoped-requested") },
		OnToolStart:     func(c Call) { events = append(events, "scoped-start") },
		OnToolEnd:       func(c Call, _ Response) { events = append(events, "scoped-end") },
	})

	scoped.Execute(context.Background(), Call{Name: "search"})
	assert.Equal(t, []string{"scoped-requested", "scoped-start", "base-end", "scoped-end"}, events)

	events = nil
	e.Execute(context.Background(), Call{Name: "search"})
	assert.Equal(t, []string{"base-end"}, events)
}
