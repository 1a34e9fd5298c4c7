package app

import (
	"context"
	"errors"
	"sync"

	"gemdesk/internal/approval"
	"gemdesk/internal/audit"
	"gemdesk/internal/chat"
	"gemdesk/internal/client"
	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/mcp"
	"gemdesk/internal/memory"
	"gemdesk/internal/metrics"
	"gemdesk/internal/tools"
)

// ErrNoClient is returned by SendMessage on an App built without a model
// client.
var ErrNoClient = errors.New("no model client configured")

// App is the session context: it owns every component of one running
// client and the order in which they start and stop.
type App struct {
	config  *config.Config
	workDir string

	metrics      *metrics.Provider
	ledger       *approval.Ledger
	gateway      *approval.Gateway
	registry     *tools.Registry
	executor     *tools.Executor
	auditLogger  *audit.Logger
	mcpManager   *mcp.Manager
	client       client.Client
	orchestrator *chat.Orchestrator
	memoryDir    string

	ctx     context.Context
	cancel  context.CancelFunc
	tracker *GoroutineTracker

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	signalCleanup func()
	shutdownOnce  sync.Once
}

// New builds an App from cfg with the real collaborators.
func New(ctx context.Context, cfg *config.Config, workDir string) (*App, error) {
	return NewBuilder(cfg, workDir).Build(ctx)
}

// Start begins watching the whitelist file and connects the enabled MCP
// servers in the background. Connection failures are reported through
// server status, not returned.
func (a *App) Start() error {
	if a.config.Approval.Watch {
		if err := a.ledger.Watch(a.ctx); err != nil {
			logging.Warn("whitelist watch unavailable", "error", err)
		}
	}

	a.tracker.Go(func() {
		if err := a.mcpManager.StartEnabled(a.ctx); err != nil {
			logging.Warn("some MCP servers failed to start", "error", err)
		}
	})
	return nil
}

// WaitForServers blocks until the background MCP startup has finished or
// ctx is done.
func (a *App) WaitForServers(ctx context.Context) {
	a.tracker.WaitContext(ctx)
}

// SendMessage runs one user message through the orchestrator. The turn can
// be aborted with AbortTurn.
func (a *App) SendMessage(ctx context.Context, msg chat.Message, sink *chat.Sink) (string, error) {
	if a.orchestrator == nil {
		return "", ErrNoClient
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.turnMu.Lock()
	a.turnCancel = cancel
	a.turnMu.Unlock()

	defer func() {
		a.turnMu.Lock()
		a.turnCancel = nil
		a.turnMu.Unlock()
	}()

	return a.orchestrator.SendMessage(ctx, msg, sink)
}

// AbortTurn cancels the message in flight, reporting whether there was one.
func (a *App) AbortTurn() bool {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	if a.turnCancel == nil {
		return false
	}
	a.turnCancel()
	a.turnCancel = nil
	return true
}

// ReloadMemory re-reads the memory files into the system instruction.
func (a *App) ReloadMemory() (memory.Memory, error) {
	if a.memoryDir == "" {
		return memory.Memory{}, nil
	}
	mem, err := memory.Load(a.memoryDir)
	if err != nil {
		return memory.Memory{}, err
	}
	if a.client != nil {
		a.client.SetSystemInstruction(mem.Content)
	}
	return mem, nil
}

// ResetConversation clears the model-side history.
func (a *App) ResetConversation() {
	if a.client != nil {
		a.client.SetHistory(nil)
	}
}

// Shutdown cancels the turn in flight, resolves pending approvals and
// disconnects every MCP server. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		logging.Debug("starting graceful shutdown")

		a.AbortTurn()
		a.cancel()

		if a.signalCleanup != nil {
			a.signalCleanup()
			a.signalCleanup = nil
		}

		a.gateway.CancelAll()

		a.tracker.Close()
		if !a.tracker.WaitWithTimeout(GracefulShutdownTimeout) {
			logging.Warn("background startup did not finish before shutdown")
		}

		logging.Debug("shutting down MCP servers")
		a.mcpManager.StopAll(ctx)

		if a.auditLogger != nil {
			if err := a.auditLogger.Close(); err != nil {
				logging.Debug("error closing audit log", "error", err)
			}
		}

		logging.Debug("shutdown complete")
	})
}

func (a *App) Config() *config.Config           { return a.config }
func (a *App) WorkDir() string                  { return a.workDir }
func (a *App) Metrics() *metrics.Provider       { return a.metrics }
func (a *App) Ledger() *approval.Ledger         { return a.ledger }
func (a *App) Gateway() *approval.Gateway       { return a.gateway }
func (a *App) Tools() *tools.Registry           { return a.registry }
func (a *App) Audit() *audit.Logger             { return a.auditLogger }
func (a *App) MCP() *mcp.Manager                { return a.mcpManager }
func (a *App) Client() client.Client            { return a.client }
func (a *App) Orchestrator() *chat.Orchestrator { return a.orchestrator }
