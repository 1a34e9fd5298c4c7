package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"gemdesk/internal/app"
	"gemdesk/internal/approval"
	"gemdesk/internal/chat"
	"gemdesk/internal/mcp"
)

// terminalSurface hands approval requests to the REPL loop, which owns
// stdin.
type terminalSurface struct {
	requests chan *approval.Request
}

func newTerminalSurface() *terminalSurface {
	return &terminalSurface{requests: make(chan *approval.Request, 16)}
}

func (s *terminalSurface) Present(ctx context.Context, req *approval.Request) error {
	select {
	case s.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// repl is one interactive session.
type repl struct {
	app     *app.App
	gateway *approval.Gateway
	surface *terminalSurface
	lines   <-chan string
	out     io.Writer

	attachments []chat.Attachment
	outMu       sync.Mutex
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	a, err := app.New(cmd.Context(), cfg, workDir)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer a.Shutdown(context.Background())

	serveMetrics(cfg.Metrics.Addr, a.Metrics())

	r := &repl{
		app:     a,
		gateway: a.Gateway(),
		surface: newTerminalSurface(),
		lines:   readLines(os.Stdin),
		out:     os.Stdout,
	}
	r.gateway.SetSurface(r.surface)

	unsubscribe := a.MCP().Subscribe(r.printStatus)
	defer unsubscribe()

	a.HandleSignals()
	if err := a.Start(); err != nil {
		return err
	}

	r.printf("gemdesk %s, model %s, in %s. Type /help for commands.\n", version, a.Client().Model(), a.WorkDir())
	return r.run(cmd.Context())
}

// readLines delivers stdin line by line until EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context) error {
	for {
		r.printf("\n> ")
		line, ok := <-r.lines
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		msg := chat.Message{Text: line, Attachments: r.attachments}
		r.attachments = nil
		if !r.turn(ctx, msg) {
			return nil
		}
	}
}

// turn sends msg and answers approval prompts until the reply is complete.
// It returns false when stdin closed mid-turn.
func (r *repl) turn(ctx context.Context, msg chat.Message) bool {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	sink := &chat.Sink{
		OnContent: func(text string) { r.printf("%s", text) },
		OnNotification: func(n chat.Notification) {
			switch n.Type {
			case chat.NotifyToolCall:
				r.printf("\n[tool] %s requested\n", n.Name)
			case chat.NotifyToolResult:
				if n.Failed {
					r.printf("[tool] %s failed\n", n.Name)
				}
			case chat.NotifyThought:
				if n.Value != nil && n.Value.Subject != "" {
					r.printf("[thinking] %s\n", n.Value.Subject)
				}
			}
		},
	}

	go func() {
		text, err := r.app.SendMessage(ctx, msg, sink)
		done <- result{text: text, err: err}
	}()

	for {
		select {
		case req := <-r.surface.requests:
			if !r.gateway.IsPending(req.ID) {
				continue
			}
			outcome, ok := r.ask(req)
			if !ok {
				r.app.AbortTurn()
				<-done
				r.drainRequests()
				return false
			}
			if err := r.gateway.Respond(req.ID, outcome); err != nil {
				r.printf("approval expired: %v\n", err)
			}
		case res := <-done:
			r.drainRequests()
			if res.err != nil {
				r.printf("\nerror: %v\n", res.err)
			} else if res.text == chat.NoResponse {
				r.printf("%s\n", res.text)
			} else {
				r.printf("\n")
			}
			return true
		}
	}
}

// drainRequests empties the request queue once a turn is over. Requests
// that are still pending are cancelled; nobody will be prompted for them.
func (r *repl) drainRequests() {
	for {
		select {
		case req := <-r.surface.requests:
			if r.gateway.IsPending(req.ID) {
				_ = r.gateway.Respond(req.ID, approval.Cancel)
			}
		default:
			return
		}
	}
}

// ask prints req and reads the decision from stdin.
func (r *repl) ask(req *approval.Request) (approval.Outcome, bool) {
	d := req.Details
	r.printf("\n%s\n", d.Title)
	switch d.Kind {
	case approval.KindMCP:
		r.printf("  server: %s\n  tool:   %s\n", d.ServerName, d.ToolDisplayName)
	default:
		if d.Prompt != "" {
			r.printf("  %s\n", d.Prompt)
		}
		for _, u := range d.URLs {
			r.printf("  - %s\n", u)
		}
	}

	for {
		r.printf("Allow? [y]es once / [a]lways / [n]o: ")
		line, ok := <-r.lines
		if !ok {
			return approval.Cancel, false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "":
			return approval.ProceedOnce, true
		case "a", "always":
			return approval.ProceedAlways, true
		case "n", "no":
			return approval.Cancel, true
		}
	}
}

func (r *repl) printStatus(ev mcp.StatusEvent) {
	if ev.Error != "" {
		r.printf("\n[mcp] %s: %s (%s)\n", ev.ServerID, ev.Status, ev.Error)
		return
	}
	r.printf("\n[mcp] %s: %s\n", ev.ServerID, ev.Status)
}
