package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"gemdesk/internal/approval"
	"gemdesk/internal/logging"
	"gemdesk/internal/metrics"
)

// ErrToolNotFound is returned when the model calls an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// CancelledByUser is the error text sent to the model when a call is denied.
const CancelledByUser = "Tool execution cancelled by user"

// ConfirmWithoutHook makes tools that do not implement Confirmable ask
// for approval with DefaultConfirmation details.
const ConfirmWithoutHook = true

// DefaultConfirmation returns the details used for tools without a hook.
func DefaultConfirmation(toolName string) *approval.Details {
	return approval.Info("Confirm tool: "+toolName, fmt.Sprintf("Allow %s to run?", toolName))
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// NewCallID synthesizes a call id of the form name-timestamp-suffix.
func NewCallID(name string) string {
	return fmt.Sprintf("%s-%d-%s", name, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Response is the normalized outcome of a call. Exactly one of Output and
// Error is meaningful.
type Response struct {
	CallID string
	Name   string
	Output string
	Error  string
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool {
	return r.Error != ""
}

// FunctionResponse converts r to the payload fed back to the model:
// {"output": ...} on success, {"error": ...} otherwise.
func (r Response) FunctionResponse() *genai.FunctionResponse {
	payload := map[string]any{"output": r.Output}
	if r.Failed() {
		payload = map[string]any{"error": r.Error}
	}
	return &genai.FunctionResponse{
		ID:       r.CallID,
		Name:     r.Name,
		Response: payload,
	}
}

// Part wraps FunctionResponse in a content part.
func (r Response) Part() *genai.Part {
	return &genai.Part{FunctionResponse: r.FunctionResponse()}
}

// Confirmer resolves confirmation details to a human decision.
type Confirmer interface {
	Confirm(ctx context.Context, d *approval.Details) (approval.Outcome, error)
}

// ExecutionHandler provides callbacks for execution events. With parallel
// execution enabled the callbacks may run concurrently.
type ExecutionHandler struct {
	// OnToolRequested is called for every call before it is resolved or
	// confirmed.
	OnToolRequested func(call Call)

	// OnToolStart is called once the call is approved, before it runs.
	OnToolStart func(call Call)

	// OnToolEnd is called with the response of every call, including
	// denied, unknown and failing ones.
	OnToolEnd func(call Call, resp Response)

	// OnToolDenied is called when approval resolves to cancel.
	OnToolDenied func(call Call)
}

// Executor resolves tool calls against the registry, routes them through
// confirmation and turns whatever happens into a Response.
type Executor struct {
	registry  *Registry
	confirmer Confirmer
	metrics   *metrics.Provider
	handler   *ExecutionHandler
	parallel  bool
}

// NewExecutor creates a new tool executor.
func NewExecutor(registry *Registry, confirmer Confirmer, m *metrics.Provider) *Executor {
	return &Executor{
		registry:  registry,
		confirmer: confirmer,
		metrics:   m,
		handler:   &ExecutionHandler{},
	}
}

// SetHandler sets the execution event callbacks.
func (e *Executor) SetHandler(handler *ExecutionHandler) {
	if handler == nil {
		handler = &ExecutionHandler{}
	}
	e.handler = handler
}

// WithHandler returns a copy of e that reports to handler as well as to
// the handler already set. The copy shares the registry and confirmer, so
// a caller can observe its own batch.
func (e *Executor) WithHandler(handler *ExecutionHandler) *Executor {
	c := *e
	c.handler = chainHandlers(e.handler, handler)
	return &c
}

// chainHandlers calls a's callbacks, then b's.
func chainHandlers(a, b *ExecutionHandler) *ExecutionHandler {
	if b == nil {
		return a
	}
	return &ExecutionHandler{
		OnToolRequested: chainCall(a.OnToolRequested, b.OnToolRequested),
		OnToolStart:     chainCall(a.OnToolStart, b.OnToolStart),
		OnToolDenied:    chainCall(a.OnToolDenied, b.OnToolDenied),
		OnToolEnd: func(call Call, resp Response) {
			if a.OnToolEnd != nil {
				a.OnToolEnd(call, resp)
			}
			if b.OnToolEnd != nil {
				b.OnToolEnd(call, resp)
			}
		},
	}
}

func chainCall(f, g func(Call)) func(Call) {
	switch {
	case f == nil:
		return g
	case g == nil:
		return f
	}
	return func(call Call) {
		f(call)
		g(call)
	}
}

// SetParallel enables concurrent execution of a batch.
func (e *Executor) SetParallel(parallel bool) {
	e.parallel = parallel
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ExecuteAll runs calls and returns their responses in request order.
// Calls without an ID get one synthesized.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call) []Response {
	responses := make([]Response, len(calls))
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = NewCallID(calls[i].Name)
		}
	}

	if !e.parallel || len(calls) < 2 {
		for i, call := range calls {
			responses[i] = e.Execute(ctx, call)
		}
		return responses
	}

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			responses[i] = e.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// Execute runs a single call. Failures never escape as errors; they are
// encoded in the returned Response.
func (e *Executor) Execute(ctx context.Context, call Call) (resp Response) {
	if call.ID == "" {
		call.ID = NewCallID(call.Name)
	}
	resp = Response{CallID: call.ID, Name: call.Name}
	if e.handler.OnToolRequested != nil {
		e.handler.OnToolRequested(call)
	}

	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)
			logging.Error("tool execution panic",
				"tool", call.Name,
				"panic", r,
				"stack", string(stack[:length]))
			resp.Output = ""
			resp.Error = fmt.Sprintf("panic: %v", r)
		}
		e.finish(call, resp)
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		resp.Error = fmt.Errorf("%w: %s", ErrToolNotFound, call.Name).Error()
		return resp
	}

	if v, ok := tool.(Validator); ok {
		if err := v.Validate(call.Args); err != nil {
			resp.Error = fmt.Sprintf("validation error: %s", err)
			return resp
		}
	}

	outcome, err := e.confirm(ctx, tool, call)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if !outcome.Approved() {
		logging.Info("tool execution cancelled by user", "tool", call.Name, "call_id", call.ID)
		if e.handler.OnToolDenied != nil {
			e.handler.OnToolDenied(call)
		}
		resp.Error = CancelledByUser
		return resp
	}

	if e.handler.OnToolStart != nil {
		e.handler.OnToolStart(call)
	}

	start := time.Now()
	result, err := tool.Execute(ctx, call.Args)
	logging.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration", time.Since(start),
		"error", err)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	resp.Output = result.Output()
	return resp
}

// confirm obtains approval for call. Tools with a hook decide whether
// confirmation applies; tools without one fall back to DefaultConfirmation.
func (e *Executor) confirm(ctx context.Context, tool Tool, call Call) (approval.Outcome, error) {
	var details *approval.Details

	if c, ok := tool.(Confirmable); ok {
		d, err := c.ShouldConfirmExecute(ctx, call.Args)
		if err != nil {
			return approval.Cancel, fmt.Errorf("confirmation check failed: %w", err)
		}
		details = d
	} else if ConfirmWithoutHook {
		details = DefaultConfirmation(call.Name)
	}

	if details == nil {
		return approval.ProceedOnce, nil
	}
	if e.confirmer == nil {
		return approval.Cancel, nil
	}

	d := *details
	d.ToolCallID = call.ID
	return e.confirmer.Confirm(ctx, &d)
}

func (e *Executor) finish(call Call, resp Response) {
	status := "ok"
	switch {
	case resp.Error == CancelledByUser:
		status = "cancelled"
	case resp.Failed():
		status = "error"
	}
	e.metrics.IncrementToolCall(call.Name, status)

	if e.handler.OnToolEnd != nil {
		e.handler.OnToolEnd(call, resp)
	}
}
