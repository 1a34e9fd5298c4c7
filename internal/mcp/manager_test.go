package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemdesk/internal/config"
	"gemdesk/internal/tools"
)

type fakeSession struct {
	tools    []mcptypes.Tool
	result   *mcptypes.CallToolResult
	closeErr error
	closed   atomic.Bool

	mu    sync.Mutex
	calls []string
	args  []map[string]any
}

func (s *fakeSession) ListTools(context.Context) ([]mcptypes.Tool, error) {
	return s.tools, nil
}

func (s *fakeSession) CallTool(_ context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	s.args = append(s.args, args)
	if s.result == nil {
		return &mcptypes.CallToolResult{Content: []mcptypes.Content{mcptypes.NewTextContent("ok")}}, nil
	}
	return s.result, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return s.closeErr
}

// recordingDialers returns dialers that hand out sessions[id] and record
// which transport was used for each id.
type recordingDialers struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	used     map[string]TransportKind
	err      error
}

func (r *recordingDialers) install(m *Manager) {
	for _, kind := range []TransportKind{TransportStdio, TransportSSE, TransportHTTP} {
		m.SetDialer(kind, func(_ context.Context, cfg config.MCPServerConfig) (Session, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.used == nil {
				r.used = make(map[string]TransportKind)
			}
			r.used[cfg.ID] = kind
			if r.err != nil {
				return nil, r.err
			}
			if s, ok := r.sessions[cfg.ID]; ok {
				return s, nil
			}
			return &fakeSession{}, nil
		})
	}
}

func collect(m *Manager) func() []StatusEvent {
	var (
		mu     sync.Mutex
		events []StatusEvent
	)
	m.Subscribe(func(ev StatusEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []StatusEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]StatusEvent(nil), events...)
	}
}

func statuses(events []StatusEvent) []Status {
	out := make([]Status, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}

func searchTool() mcptypes.Tool {
	return mcptypes.Tool{
		Name:        "search",
		Description: "Search things",
		InputSchema: mcptypes.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
			},
			Required: []string{"query"},
		},
	}
}

func TestStartHTTPOnlyConfigUsesHTTPTransport(t *testing.T) {
	registry := tools.NewRegistry()
	m := NewManager([]config.MCPServerConfig{
		{ID: "remote", Name: "remote", Enabled: true, HTTPURL: "http://localhost:9/mcp"},
	}, registry, nil)

	dialers := &recordingDialers{sessions: map[string]*fakeSession{
		"remote": {tools: []mcptypes.Tool{searchTool()}},
	}}
	dialers.install(m)
	events := collect(m)

	require.NoError(t, m.Start(context.Background(), "remote"))

	assert.Equal(t, TransportHTTP, dialers.used["remote"])
	assert.Equal(t, StatusConnected, m.Status("remote"))
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, statuses(events()))

	_, ok := registry.Get("remote__search")
	assert.True(t, ok)
}

func TestStartWithoutTransportFailsBeforeConnecting(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{{ID: "bare", Name: "bare", Enabled: true}}, nil, nil)
	dialers := &recordingDialers{}
	dialers.install(m)
	events := collect(m)

	err := m.Start(context.Background(), "bare")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, StatusError, got[0].Status)
	assert.NotEmpty(t, got[0].Error)
	assert.Empty(t, dialers.used)
	assert.Equal(t, StatusError, m.Status("bare"))
}

func TestTransportFor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MCPServerConfig
		want    TransportKind
		wantErr bool
	}{
		{"stdio", config.MCPServerConfig{Command: "npx"}, TransportStdio, false},
		{"sse", config.MCPServerConfig{URL: "http://h/sse"}, TransportSSE, false},
		{"http", config.MCPServerConfig{HTTPURL: "http://h/mcp"}, TransportHTTP, false},
		{"none", config.MCPServerConfig{}, "", true},
		{"two", config.MCPServerConfig{Command: "npx", URL: "http://h/sse"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TransportFor(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartUnknownAndDisabled(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{{ID: "off", Name: "off", Command: "x"}}, nil, nil)

	err := m.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrServerNotFound)
	assert.Contains(t, err.Error(), "server config not found")

	assert.ErrorIs(t, m.Start(context.Background(), "off"), ErrServerDisabled)
}

func TestDialFailureRecordsError(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{{ID: "s", Name: "s", Enabled: true, Command: "x"}}, nil, nil)
	dialers := &recordingDialers{err: errors.New("handshake refused")}
	dialers.install(m)
	events := collect(m)

	err := m.Start(context.Background(), "s")
	require.Error(t, err)

	assert.Equal(t, []Status{StatusConnecting, StatusError}, statuses(events()))
	states := m.Servers()
	require.Len(t, states, 1)
	assert.Contains(t, states[0].Error, "handshake refused")
	assert.Equal(t, TransportStdio, states[0].Transport)
}

func TestStartStopsPreviousConnection(t *testing.T) {
	registry := tools.NewRegistry()
	m := NewManager([]config.MCPServerConfig{{ID: "s", Name: "s", Enabled: true, Command: "x"}}, registry, nil)

	first := &fakeSession{tools: []mcptypes.Tool{searchTool()}}
	dialers := &recordingDialers{sessions: map[string]*fakeSession{"s": first}}
	dialers.install(m)
	require.NoError(t, m.Start(context.Background(), "s"))

	second := &fakeSession{tools: []mcptypes.Tool{searchTool()}}
	dialers.sessions["s"] = second
	events := collect(m)

	require.NoError(t, m.Restart(context.Background(), "s"))
	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())
	assert.Equal(t, []Status{StatusDisconnected, StatusConnecting, StatusConnected}, statuses(events()))
	assert.Equal(t, []string{"s__search"}, registry.Names())
}

func TestStopIsNoOpWithoutConnection(t *testing.T) {
	m := NewManager(nil, nil, nil)
	events := collect(m)
	assert.NoError(t, m.Stop("ghost"))
	assert.Empty(t, events())
}

func TestStopAllIsolatesFailures(t *testing.T) {
	registry := tools.NewRegistry()
	m := NewManager([]config.MCPServerConfig{
		{ID: "a", Name: "a", Enabled: true, Command: "a"},
		{ID: "b", Name: "b", Enabled: true, URL: "http://b/sse"},
		{ID: "c", Name: "c", Enabled: true, HTTPURL: "http://c/mcp"},
	}, registry, nil)

	sessions := map[string]*fakeSession{
		"a": {tools: []mcptypes.Tool{searchTool()}},
		"b": {tools: []mcptypes.Tool{searchTool()}, closeErr: errors.New("stuck")},
		"c": {tools: []mcptypes.Tool{searchTool()}},
	}
	dialers := &recordingDialers{sessions: sessions}
	dialers.install(m)

	require.NoError(t, m.StartEnabled(context.Background()))
	assert.Len(t, registry.Names(), 3)

	m.StopAll(context.Background())

	for id, s := range sessions {
		assert.True(t, s.closed.Load(), id)
		assert.Equal(t, StatusDisconnected, m.Status(id), id)
	}
	assert.Empty(t, registry.Names())
}

func TestCallRequiresConnection(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{{ID: "s", Name: "s", Enabled: true}}, nil, nil)

	_, err := m.CallTool(context.Background(), "s", "search", nil)
	assert.ErrorIs(t, err, ErrServerNotConnected)

	_, err = m.ListTools(context.Background(), "s")
	assert.ErrorIs(t, err, ErrServerNotConnected)

	// A server in error state is not connected either.
	_ = m.Start(context.Background(), "s")
	_, err = m.CallTool(context.Background(), "s", "search", nil)
	assert.ErrorIs(t, err, ErrServerNotConnected)
}

func TestToolFiltering(t *testing.T) {
	list := []mcptypes.Tool{{Name: "read_file"}, {Name: "read_dir"}, {Name: "write_file"}, {Name: "delete"}}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{"no filters", nil, nil, []string{"read_file", "read_dir", "write_file", "delete"}},
		{"include glob", []string{"read_*"}, nil, []string{"read_file", "read_dir"}},
		{"exclude wins", []string{"*_file"}, []string{"write_*"}, []string{"read_file"}},
		{"exclude only", nil, []string{"delete"}, []string{"read_file", "read_dir", "write_file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.MCPServerConfig{IncludeTools: tt.include, ExcludeTools: tt.exclude}
			var got []string
			for _, tool := range filterTools(cfg, list) {
				got = append(got, tool.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListToolsAppliesFilters(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{
		{ID: "s", Name: "s", Enabled: true, Command: "x", ExcludeTools: []string{"danger*"}},
	}, nil, nil)
	dialers := &recordingDialers{sessions: map[string]*fakeSession{
		"s": {tools: []mcptypes.Tool{searchTool(), {Name: "danger_zone"}}},
	}}
	dialers.install(m)
	require.NoError(t, m.Start(context.Background(), "s"))

	list, err := m.ListTools(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "search", list[0].Name)
}
