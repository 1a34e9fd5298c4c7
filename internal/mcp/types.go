package mcp

import (
	"context"
	"errors"
	"fmt"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"gemdesk/internal/config"
)

var (
	// ErrServerNotFound is returned for ids missing from the configuration.
	ErrServerNotFound = errors.New("server config not found")

	// ErrServerDisabled is returned when starting a server with enabled: false.
	ErrServerDisabled = errors.New("server is disabled")

	// ErrInvalidConfig marks configuration errors: no transport or more
	// than one transport populated.
	ErrInvalidConfig = errors.New("invalid MCP server config")

	// ErrServerNotConnected is returned by calls against a server whose
	// status is not connected.
	ErrServerNotConnected = errors.New("server not connected")
)

// Status is the connection state of one server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusEvent is published on every state transition.
type StatusEvent struct {
	ServerID string
	Status   Status
	Error    string
}

// ServerState is a point-in-time view of one configured server.
type ServerState struct {
	ID        string
	Name      string
	Transport TransportKind
	Status    Status
	Error     string
	Tools     []string
}

// TransportKind identifies how a server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// TransportFor picks the transport from which config field is populated.
// Exactly one of command, url and httpUrl must be set.
func TransportFor(cfg config.MCPServerConfig) (TransportKind, error) {
	var kinds []TransportKind
	if cfg.Command != "" {
		kinds = append(kinds, TransportStdio)
	}
	if cfg.URL != "" {
		kinds = append(kinds, TransportSSE)
	}
	if cfg.HTTPURL != "" {
		kinds = append(kinds, TransportHTTP)
	}

	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("%w: %s: one of command, url or httpUrl is required", ErrInvalidConfig, cfg.ID)
	default:
		return "", fmt.Errorf("%w: %s: command, url and httpUrl are mutually exclusive", ErrInvalidConfig, cfg.ID)
	}
}

// Session is an initialized connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context) ([]mcptypes.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error)
	Close() error
}

// Dialer connects and completes the initialize handshake. ctx carries the
// server's connect timeout.
type Dialer func(ctx context.Context, cfg config.MCPServerConfig) (Session, error)
