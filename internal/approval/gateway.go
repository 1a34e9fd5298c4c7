package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemdesk/internal/logging"
	"gemdesk/internal/metrics"
)

// Outcome is a human decision on a confirmation request.
type Outcome string

const (
	ProceedOnce   Outcome = "proceed_once"
	ProceedAlways Outcome = "proceed_always"
	Cancel        Outcome = "cancel"
)

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case ProceedOnce, ProceedAlways, Cancel:
		return true
	}
	return false
}

// Approved reports whether the tool may run.
func (o Outcome) Approved() bool {
	return o == ProceedOnce || o == ProceedAlways
}

// AbortPolicy decides what happens to a pending request when the
// conversation that raised it is cancelled.
type AbortPolicy int

const (
	// AbortResolvesCancel resolves the pending request as Cancel and drops it.
	AbortResolvesCancel AbortPolicy = iota
	// AbortKeepsPending keeps waiting for an explicit response.
	AbortKeepsPending
)

var (
	ErrUnknownRequest = errors.New("unknown approval request")
	ErrInvalidOutcome = errors.New("invalid approval outcome")
)

// Request is a confirmation request delivered to the approver surface.
type Request struct {
	ID        string
	Timestamp time.Time
	Details   *Details
}

// Surface presents requests to a human. Present must not block until the
// decision is made; the decision arrives later through Gateway.Respond.
type Surface interface {
	Present(ctx context.Context, req *Request) error
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ctx context.Context, req *Request) error

func (f SurfaceFunc) Present(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

type pendingRequest struct {
	req    *Request
	result chan Outcome
}

// Gateway routes confirmation metadata through the ledger and, when
// needed, a human approver.
type Gateway struct {
	ledger  *Ledger
	policy  AbortPolicy
	metrics *metrics.Provider

	surface Surface
	pending map[string]*pendingRequest
	mu      sync.Mutex
}

// NewGateway creates a gateway over ledger.
func NewGateway(ledger *Ledger, policy AbortPolicy, m *metrics.Provider) *Gateway {
	return &Gateway{
		ledger:  ledger,
		policy:  policy,
		metrics: m,
		pending: make(map[string]*pendingRequest),
	}
}

// SetSurface attaches (or with nil, detaches) the approver surface.
func (g *Gateway) SetSurface(s Surface) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.surface = s
}

// Ledger returns the approval ledger.
func (g *Gateway) Ledger() *Ledger {
	return g.ledger
}

// Confirm resolves d to an outcome. Whitelisted identities resolve to
// ProceedOnce without asking. With no surface attached, or when the
// surface fails to present, it resolves to Cancel.
func (g *Gateway) Confirm(ctx context.Context, d *Details) (Outcome, error) {
	d = Normalize(d)

	if !g.ledger.NeedsApproval(d) {
		g.metrics.IncrementApproval(string(d.Kind), "whitelisted")
		return ProceedOnce, nil
	}

	g.mu.Lock()
	surface := g.surface
	if surface == nil {
		g.mu.Unlock()
		logging.Warn("no approver attached, cancelling tool call", "kind", d.Kind, "key", d.Key())
		g.metrics.IncrementApproval(string(d.Kind), "no_surface")
		return Cancel, nil
	}

	p := &pendingRequest{
		req: &Request{
			ID:        "approval-" + uuid.NewString(),
			Timestamp: time.Now(),
			Details:   d,
		},
		result: make(chan Outcome, 1),
	}
	g.pending[p.req.ID] = p
	g.mu.Unlock()

	logging.Debug("approval requested", "id", p.req.ID, "kind", d.Kind, "key", d.Key())

	if err := surface.Present(ctx, p.req); err != nil {
		g.drop(p.req.ID)
		logging.Warn("approval surface failed, cancelling tool call", "id", p.req.ID, "error", err)
		g.metrics.IncrementApproval(string(d.Kind), "no_surface")
		return Cancel, nil
	}

	outcome, err := g.wait(ctx, p)
	if err == nil {
		g.metrics.IncrementApproval(string(d.Kind), string(outcome))
	}
	return outcome, err
}

func (g *Gateway) wait(ctx context.Context, p *pendingRequest) (Outcome, error) {
	if g.policy == AbortKeepsPending {
		return <-p.result, nil
	}

	select {
	case outcome := <-p.result:
		return outcome, nil
	case <-ctx.Done():
		if !g.drop(p.req.ID) {
			// Respond won the race and already delivered.
			return <-p.result, nil
		}
		logging.Info("approval abandoned by cancelled request", "id", p.req.ID)
		g.metrics.IncrementApproval(string(p.req.Details.Kind), "aborted")
		return Cancel, nil
	}
}

// Respond delivers the human decision for request id. ProceedAlways adds
// the identity to the ledger before the waiting caller resumes.
func (g *Gateway) Respond(id string, outcome Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(g.pending, id)
	g.mu.Unlock()

	if outcome == ProceedAlways {
		if err := g.ledger.Add(p.req.Details); err != nil {
			logging.Error("failed to whitelist tool", "key", p.req.Details.Key(), "error", err)
		}
	}

	p.result <- outcome
	return nil
}

// Pending returns outstanding requests, oldest first.
func (g *Gateway) Pending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	reqs := make([]*Request, 0, len(g.pending))
	for _, p := range g.pending {
		reqs = append(reqs, p.req)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].Timestamp.Before(reqs[j].Timestamp)
	})
	return reqs
}

// IsPending reports whether request id still waits for a response.
func (g *Gateway) IsPending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}

// CancelAll resolves every pending request as Cancel. Used when the
// approver surface goes away.
func (g *Gateway) CancelAll() {
	for _, req := range g.Pending() {
		_ = g.Respond(req.ID, Cancel)
	}
}

// drop removes id from the pending map, reporting whether it was present.
func (g *Gateway) drop(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	delete(g.pending, id)
	return true
}
