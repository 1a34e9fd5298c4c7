package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"gemdesk/internal/config"
	"gemdesk/internal/logging"
)

// ProtocolVersion is sent in the initialize request.
const ProtocolVersion = "2025-06-18"

// ClientName and ClientVersion identify gemdesk during the handshake.
var (
	ClientName    = "gemdesk"
	ClientVersion = "dev"
)

// DefaultDialers returns the mcp-go backed dialer for each transport.
func DefaultDialers() map[TransportKind]Dialer {
	return map[TransportKind]Dialer{
		TransportStdio: dialStdio,
		TransportSSE:   dialSSE,
		TransportHTTP:  dialHTTP,
	}
}

// session adapts an mcp-go client to Session.
type session struct {
	c *client.Client
}

func (s *session) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	res, err := s.c.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (s *session) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error) {
	return s.c.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
}

func (s *session) Close() error {
	return s.c.Close()
}

// initialize runs the handshake and closes the client when it fails.
func initialize(ctx context.Context, c *client.Client, cfg config.MCPServerConfig) (Session, error) {
	req := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
		},
	}

	info, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	logging.Debug("MCP handshake complete",
		"server", cfg.ID,
		"remote", info.ServerInfo.Name,
		"protocol", info.ProtocolVersion)
	return &session{c: c}, nil
}

func dialStdio(ctx context.Context, cfg config.MCPServerConfig) (Session, error) {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	// The subprocess must outlive the connect ctx, so it is not bound to it.
	cmdFunc := func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.Command(command, args...)
		cmd.Env = env
		cmd.Dir = cfg.Cwd
		return cmd, nil
	}

	c, err := client.NewStdioMCPClientWithOptions(cfg.Command, env, cfg.Args, transport.WithCommandFunc(cmdFunc))
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
	}
	return initialize(ctx, c, cfg)
}

func dialSSE(ctx context.Context, cfg config.MCPServerConfig) (Session, error) {
	var opts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Headers))
	}

	t, err := transport.NewSSE(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return startRemote(ctx, t, "SSE", cfg)
}

func dialHTTP(ctx context.Context, cfg config.MCPServerConfig) (Session, error) {
	var opts []transport.StreamableHTTPCOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}

	t, err := transport.NewStreamableHTTP(cfg.HTTPURL, opts...)
	if err != nil {
		return nil, err
	}
	return startRemote(ctx, t, "HTTP", cfg)
}

// startRemote starts a network transport and runs the handshake over it.
// A transport that fails to start is closed before returning.
func startRemote(ctx context.Context, t transport.Interface, kind string, cfg config.MCPServerConfig) (Session, error) {
	// The stream lives as long as the session, not the connect timeout.
	if err := t.Start(context.WithoutCancel(ctx)); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to start %s transport: %w", kind, err)
	}
	return initialize(ctx, client.NewClient(t), cfg)
}
