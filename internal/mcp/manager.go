package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/metrics"
	"gemdesk/internal/tools"
)

// connection is the runtime state of one server.
type connection struct {
	cfg     config.MCPServerConfig
	kind    TransportKind
	session Session
	status  Status
	err     error
	tools   []string
}

// Manager owns the connections to the configured MCP servers. Tools of a
// connected server are registered in the registry and removed on stop.
type Manager struct {
	servers  []config.MCPServerConfig
	conns    map[string]*connection
	dialers  map[TransportKind]Dialer
	registry *tools.Registry
	metrics  *metrics.Provider
	mu       sync.RWMutex

	subsMu sync.Mutex
	subs   map[int]func(StatusEvent)
	nextID int
}

// NewManager creates a manager for servers. registry may be nil when the
// caller only needs CallTool and ListTools.
func NewManager(servers []config.MCPServerConfig, registry *tools.Registry, m *metrics.Provider) *Manager {
	return &Manager{
		servers:  slices.Clone(servers),
		conns:    make(map[string]*connection),
		dialers:  DefaultDialers(),
		registry: registry,
		metrics:  m,
		subs:     make(map[int]func(StatusEvent)),
	}
}

// SetDialer replaces the dialer used for kind.
func (m *Manager) SetDialer(kind TransportKind, d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialers[kind] = d
}

// Subscribe registers fn for status events and returns a function that
// removes it. Events are delivered synchronously in transition order.
func (m *Manager) Subscribe(fn func(StatusEvent)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) publish(id string, status Status, err error) {
	ev := StatusEvent{ServerID: id, Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	m.metrics.IncrementMCPTransition(string(status))
	logging.Debug("MCP server status", "server", id, "status", status, "error", ev.Error)

	m.subsMu.Lock()
	subs := make([]func(StatusEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (m *Manager) config(id string) (config.MCPServerConfig, bool) {
	for _, s := range m.servers {
		if s.ID == id {
			return s, true
		}
	}
	return config.MCPServerConfig{}, false
}

// StartEnabled starts every enabled server concurrently. Failures are
// reflected in each server's status and joined into the returned error.
func (m *Manager) StartEnabled(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.servers {
		if !s.Enabled {
			logging.Debug("MCP server skipped (disabled)", "server", s.ID)
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Start(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Start connects to the server with the given id, stopping any previous
// connection first. A config without exactly one transport moves the
// server straight to error.
func (m *Manager) Start(ctx context.Context, id string) error {
	cfg, ok := m.config(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrServerDisabled, id)
	}

	if err := m.Stop(id); err != nil {
		logging.Warn("MCP stop before start failed", "server", id, "error", err)
	}

	kind, err := TransportFor(cfg)
	if err != nil {
		m.setConn(id, &connection{cfg: cfg, status: StatusError, err: err})
		m.publish(id, StatusError, err)
		return err
	}

	m.mu.RLock()
	dial := m.dialers[kind]
	m.mu.RUnlock()
	if dial == nil {
		err := fmt.Errorf("%w: no dialer for %s transport", ErrInvalidConfig, kind)
		m.setConn(id, &connection{cfg: cfg, kind: kind, status: StatusError, err: err})
		m.publish(id, StatusError, err)
		return err
	}

	m.setConn(id, &connection{cfg: cfg, kind: kind, status: StatusConnecting})
	m.publish(id, StatusConnecting, nil)

	connectCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	session, err := dial(connectCtx, cfg)
	var list []mcptypes.Tool
	if err == nil {
		list, err = session.ListTools(connectCtx)
		if err != nil {
			_ = session.Close()
			err = fmt.Errorf("failed to list tools: %w", err)
		}
	}
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", id, err)
		m.setConn(id, &connection{cfg: cfg, kind: kind, status: StatusError, err: err})
		m.publish(id, StatusError, err)
		logging.Warn("MCP server connection failed", "server", id, "transport", kind, "error", err)
		return err
	}

	conn := &connection{cfg: cfg, kind: kind, session: session, status: StatusConnected}
	for _, info := range filterTools(cfg, list) {
		tool := newTool(m, id, cfg.Name, cfg.Trust, info)
		if m.registry != nil {
			if err := m.registry.Register(tool); err != nil {
				logging.Warn("MCP tool not registered", "server", id, "tool", info.Name, "error", err)
				continue
			}
		}
		conn.tools = append(conn.tools, tool.Name())
	}

	m.setConn(id, conn)
	m.publish(id, StatusConnected, nil)
	logging.Info("MCP server connected", "server", id, "transport", kind, "tools", len(conn.tools))
	return nil
}

// Restart stops then starts the server.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil {
		logging.Warn("MCP stop during restart failed", "server", id, "error", err)
	}
	return m.Start(ctx, id)
}

// Stop tears down the connection for id and moves it to disconnected. It is
// a no-op when nothing is tracked for id. The returned error comes from
// closing the session; the connection is dropped either way.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.registry != nil && len(conn.tools) > 0 {
		names := conn.tools
		m.registry.UnregisterFunc(func(t tools.Tool) bool {
			mt, ok := t.(*Tool)
			return ok && mt.serverID == id && slices.Contains(names, mt.Name())
		})
	}

	var err error
	if conn.session != nil {
		if cerr := conn.session.Close(); cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", id, cerr)
		}
	}
	m.publish(id, StatusDisconnected, nil)
	return err
}

// StopAll stops every tracked server concurrently and waits for all of
// them, or for ctx. Individual failures are logged.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(id); err != nil {
				logging.Warn("MCP server stop failed", "server", id, "error", err)
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("MCP shutdown interrupted", "error", ctx.Err())
	}
}

func (m *Manager) setConn(id string, conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = conn
}

func (m *Manager) connected(id string) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok || conn.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrServerNotConnected, id)
	}
	return conn, nil
}

// CallTool invokes tool on the server. The server must be connected.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args map[string]any) (*mcptypes.CallToolResult, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	result, err := conn.session.CallTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("MCP call %s.%s failed: %w", id, tool, err)
	}
	return result, nil
}

// ListTools lists the server's tools after include/exclude filtering. The
// server must be connected.
func (m *Manager) ListTools(ctx context.Context, id string) ([]mcptypes.Tool, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	list, err := conn.session.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools for %s: %w", id, err)
	}
	return filterTools(conn.cfg, list), nil
}

// Status returns the status of id. Untracked servers are disconnected.
func (m *Manager) Status(id string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.conns[id]; ok {
		return conn.status
	}
	return StatusDisconnected
}

// Servers returns the state of every configured server in config order.
func (m *Manager) Servers() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerState, 0, len(m.servers))
	for _, s := range m.servers {
		state := ServerState{ID: s.ID, Name: s.Name, Status: StatusDisconnected}
		state.Transport, _ = TransportFor(s)
		if conn, ok := m.conns[s.ID]; ok {
			state.Status = conn.status
			state.Tools = slices.Clone(conn.tools)
			if conn.err != nil {
				state.Error = conn.err.Error()
			}
		}
		states = append(states, state)
	}
	return states
}

// filterTools applies the server's includeTools and excludeTools globs.
func filterTools(cfg config.MCPServerConfig, list []mcptypes.Tool) []mcptypes.Tool {
	if len(cfg.IncludeTools) == 0 && len(cfg.ExcludeTools) == 0 {
		return list
	}
	out := make([]mcptypes.Tool, 0, len(list))
	for _, t := range list {
		if len(cfg.IncludeTools) > 0 && !matchAny(cfg.IncludeTools, t.Name) {
			continue
		}
		if matchAny(cfg.ExcludeTools, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			logging.Warn("invalid MCP tool pattern", "pattern", p, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
