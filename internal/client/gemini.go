package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"

	"gemdesk/internal/config"
	"gemdesk/internal/logging"
)

// ErrMissingAPIKey is returned when no Gemini API key is configured.
var ErrMissingAPIKey = errors.New("Gemini API key required")

// streamFunc matches genai's Models.GenerateContentStream.
type streamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiClient streams from the Gemini API and keeps the conversation
// history between turns.
type GeminiClient struct {
	stream         streamFunc
	model          string
	config         *genai.GenerateContentConfig
	retry          RetryConfig
	thinkingBudget int32
	maxHistory     int

	mu                sync.Mutex
	tools             []*genai.Tool
	systemInstruction string
	history           []*genai.Content
}

// NewGeminiClient creates a new Gemini API client.
func NewGeminiClient(ctx context.Context, cfg *config.Config) (*GeminiClient, error) {
	if cfg.API.APIKey == "" {
		return nil, fmt.Errorf("%w: get one at https://aistudio.google.com/apikey and set GEMINI_API_KEY", ErrMissingAPIKey)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  cfg.API.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logging.Debug("created Gemini client", "model", cfg.Model.Name)
	return newGeminiClient(client.Models.GenerateContentStream, cfg), nil
}

func newGeminiClient(stream streamFunc, cfg *config.Config) *GeminiClient {
	genConfig := &genai.GenerateContentConfig{
		Temperature: Ptr(cfg.Model.Temperature),
	}
	if cfg.Model.MaxOutputTokens > 0 {
		genConfig.MaxOutputTokens = cfg.Model.MaxOutputTokens
	}

	return &GeminiClient{
		stream: stream,
		model:  cfg.Model.Name,
		config: genConfig,
		retry: RetryConfig{
			MaxRetries: cfg.API.Retry.MaxRetries,
			RetryDelay: cfg.API.Retry.RetryDelay,
			MaxDelay:   cfg.API.Retry.MaxDelay,
		},
		thinkingBudget: cfg.Model.ThinkingBudget,
		maxHistory:     cfg.Chat.MaxHistory,
	}
}

// Model returns the model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// SetSystemInstruction sets the system-level instruction for the model.
func (c *GeminiClient) SetSystemInstruction(instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemInstruction = instruction
}

// SetTools sets the tools available for function calling.
func (c *GeminiClient) SetTools(tools []*genai.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// SetHistory replaces the conversation history.
func (c *GeminiClient) SetHistory(history []*genai.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = slices.Clone(history)
}

// History returns a copy of the conversation history.
func (c *GeminiClient) History() []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// SendMessageStream sends parts as a user turn. Opening the stream is
// retried with exponential backoff on transient errors; errors after the
// first response arrive as an error event. The turn is added to the
// history only when the stream completes.
func (c *GeminiClient) SendMessageStream(ctx context.Context, parts []*genai.Part) (*Stream, error) {
	userContent := &genai.Content{Role: genai.RoleUser, Parts: parts}

	c.mu.Lock()
	history := dropDanglingCalls(c.history, parts)
	history, compression := compressHistory(history, c.maxHistory)
	c.history = history
	contents := sanitizeContents(append(slices.Clone(history), userContent))
	cfg := c.requestConfig()
	c.mu.Unlock()

	opened, err := c.open(ctx, contents, cfg)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go c.run(ctx, opened, userContent, compression, events)
	return &Stream{Events: events}, nil
}

// requestConfig must be called with c.mu held.
func (c *GeminiClient) requestConfig() *genai.GenerateContentConfig {
	cfg := *c.config
	if c.systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.systemInstruction, genai.RoleUser)
	}
	if c.thinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  Ptr(c.thinkingBudget),
		}
	}
	if len(c.tools) > 0 {
		cfg.Tools = c.tools
	}
	return &cfg
}

// openedStream is a pulled iterator whose first response already arrived.
type openedStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	first *genai.GenerateContentResponse
	more  bool
}

// open starts the request and waits for the first response, so that
// rate limits and server errors surface here and can be retried.
func (c *GeminiClient) open(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*openedStream, error) {
	attempt := 0
	op := func() (*openedStream, error) {
		attempt++
		next, stop := iter.Pull2(c.stream(ctx, c.model, contents, cfg))
		resp, err, ok := next()
		if err != nil {
			stop()
			if !IsRetryableError(err) {
				return nil, backoff.Permanent(err)
			}
			logging.Warn("Gemini request failed, will retry", "attempt", attempt, "error", err)
			return nil, err
		}
		return &openedStream{next: next, stop: stop, first: resp, more: ok}, nil
	}

	opened, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxTries(c.retry.tries()),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logging.Info("retrying Gemini request", "delay", delay, "error", err)
		}),
	)
	if err != nil {
		if attempt > 1 {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return opened, nil
}

func (c *GeminiClient) run(ctx context.Context, s *openedStream, userContent *genai.Content, compression *Compression, events chan<- Event) {
	defer close(events)
	defer s.stop()

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if compression != nil && !send(Event{Type: EventChatCompressed, Compression: compression}) {
		return
	}

	var modelParts []*genai.Part
	resp, more := s.first, s.more
	for more {
		if resp != nil {
			evs, parts, err := processResponse(resp)
			modelParts = appendModelParts(modelParts, parts)
			for _, ev := range evs {
				if !send(ev) {
					return
				}
			}
			if err != nil {
				send(Event{Type: EventError, Err: err})
				return
			}
		}

		var err error
		resp, err, more = s.next()
		if err != nil {
			send(Event{Type: EventError, Err: err})
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	c.history = append(c.history, userContent)
	if len(modelParts) > 0 {
		c.history = append(c.history, &genai.Content{Role: genai.RoleModel, Parts: modelParts})
	}
	c.mu.Unlock()
}

// processResponse converts one streamed response into events and returns
// the parts worth keeping in the history.
func processResponse(resp *genai.GenerateContentResponse) ([]Event, []*genai.Part, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, nil, fmt.Errorf("request blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil, nil
	}

	var events []Event
	var parts []*genai.Part
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.Thought:
			if part.Text != "" {
				thought := ParseThought(part.Text)
				events = append(events, Event{Type: EventThought, Thought: &thought})
			}
			if len(part.ThoughtSignature) > 0 {
				parts = append(parts, part)
			}
		case part.FunctionCall != nil:
			fc := part.FunctionCall
			events = append(events, Event{
				Type:     EventToolCallRequest,
				ToolCall: &ToolCallRequest{CallID: fc.ID, Name: fc.Name, Args: fc.Args},
			})
			parts = append(parts, part)
		case part.Text != "":
			events = append(events, Event{Type: EventContent, Text: part.Text})
			parts = append(parts, part)
		}
	}
	return events, parts, nil
}

// appendModelParts merges consecutive plain text chunks into one part.
func appendModelParts(dst, parts []*genai.Part) []*genai.Part {
	for _, p := range parts {
		if n := len(dst); n > 0 && isPlainText(dst[n-1]) && isPlainText(p) {
			dst[n-1] = genai.NewPartFromText(dst[n-1].Text + p.Text)
			continue
		}
		dst = append(dst, p)
	}
	return dst
}

func isPlainText(p *genai.Part) bool {
	return p.Text != "" && !p.Thought && len(p.ThoughtSignature) == 0 &&
		p.FunctionCall == nil && p.FunctionResponse == nil && p.InlineData == nil
}

// dropDanglingCalls strips function calls from a trailing model turn when
// the next user turn carries no function responses. That happens when a
// turn was cut short before its tools ran; the API rejects unanswered
// calls.
func dropDanglingCalls(history []*genai.Content, next []*genai.Part) []*genai.Content {
	if len(history) == 0 {
		return history
	}
	for _, p := range next {
		if p != nil && p.FunctionResponse != nil {
			return history
		}
	}

	last := history[len(history)-1]
	if last == nil || last.Role != genai.RoleModel {
		return history
	}
	kept := make([]*genai.Part, 0, len(last.Parts))
	for _, p := range last.Parts {
		if p != nil && p.FunctionCall == nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(last.Parts) {
		return history
	}

	history = slices.Clone(history[:len(history)-1])
	if len(kept) > 0 {
		history = append(history, &genai.Content{Role: genai.RoleModel, Parts: kept})
	}
	return history
}

// compressHistory keeps at most limit contents, cutting at a user turn that
// starts a new exchange so no function response loses its call.
func compressHistory(history []*genai.Content, limit int) ([]*genai.Content, *Compression) {
	if limit <= 0 || len(history) <= limit {
		return history, nil
	}
	for start := len(history) - limit; start < len(history); start++ {
		if startsExchange(history[start]) {
			kept := slices.Clone(history[start:])
			return kept, &Compression{OriginalCount: len(history), NewCount: len(kept)}
		}
	}
	return history, nil
}

func startsExchange(c *genai.Content) bool {
	if c == nil || c.Role != genai.RoleUser {
		return false
	}
	for _, p := range c.Parts {
		if p != nil && p.FunctionResponse != nil {
			return false
		}
	}
	return true
}

// sanitizeContents validates and fixes all Contents before sending to API.
// This ensures that each Part has exactly one of: Text, FunctionCall, or FunctionResponse.
func sanitizeContents(contents []*genai.Content) []*genai.Content {
	var result []*genai.Content

	for _, content := range contents {
		if content == nil {
			continue
		}

		var validParts []*genai.Part
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil || part.FunctionResponse != nil || part.Text != "" ||
				part.InlineData != nil || len(part.ThoughtSignature) > 0 {
				validParts = append(validParts, part)
			}
		}

		// Content must have at least one part
		if len(validParts) == 0 {
			validParts = []*genai.Part{genai.NewPartFromText(" ")}
		}

		result = append(result, &genai.Content{
			Role:  content.Role,
			Parts: validParts,
		})
	}

	if len(result) == 0 {
		result = []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(" ")},
		}}
	}

	return result
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
