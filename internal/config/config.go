package config

import "time"

// Config represents the main application configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Model    ModelConfig    `yaml:"model"`
	Chat     ChatConfig     `yaml:"chat"`
	Approval ApprovalConfig `yaml:"approval"`
	Tools    ToolsConfig    `yaml:"tools"`
	Memory   MemoryConfig   `yaml:"memory"`
	Audit    AuditConfig    `yaml:"audit"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Runtime version information
	Version string `yaml:"-"`

	// path is the file the config was loaded from; Save writes back to it.
	path string
}

// APIConfig holds API-related settings.
type APIConfig struct {
	APIKey string      `yaml:"api_key,omitempty"`
	Retry  RetryConfig `yaml:"retry"`
}

// RetryConfig controls retries when opening a model stream.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ModelConfig holds model generation settings.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
	ThinkingBudget  int32   `yaml:"thinking_budget"` // 0 disables thought events
}

// ChatConfig holds the conversation loop limits.
type ChatConfig struct {
	MaxIterations int  `yaml:"max_iterations"` // tool-execution rounds per message
	ThoughtStep   int  `yaml:"thought_step"`   // ceiling growth per iteration
	ThoughtCap    int  `yaml:"thought_cap"`    // absolute ceiling
	ParallelTools bool `yaml:"parallel_tools"` // run one batch of tool calls concurrently
	MaxHistory    int  `yaml:"max_history"`    // contents kept before the oldest turns are dropped
}

// ApprovalConfig holds whitelist and approval prompt settings.
type ApprovalConfig struct {
	WhitelistPath string `yaml:"whitelist_path,omitempty"`
	Watch         bool   `yaml:"watch"`    // reload whitelist on external edits
	OnAbort       string `yaml:"on_abort"` // "cancel" or "keep"
}

// ToolsConfig holds settings for the built-in tools.
type ToolsConfig struct {
	WebFetch WebFetchConfig `yaml:"web_fetch"`
}

// WebFetchConfig holds settings for the web_fetch tool.
type WebFetchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`

	// AllowPrivateNetworks lets the tool reach loopback and private
	// addresses, e.g. a documentation server on localhost.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// MCPConfig holds MCP (Model Context Protocol) settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MemoryConfig controls GEMINI.md loading and the save_memory tool.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"` // project directory; defaults to the working directory
}

// AuditConfig controls the tool call audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"`
}

// MCPServerConfig holds configuration for a single MCP server.
// Exactly one of Command, URL and HTTPURL selects the transport.
type MCPServerConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Enabled      bool              `yaml:"enabled"`
	Command      string            `yaml:"command,omitempty"` // stdio
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Cwd          string            `yaml:"cwd,omitempty"`
	URL          string            `yaml:"url,omitempty"`     // SSE
	HTTPURL      string            `yaml:"httpUrl,omitempty"` // streamable HTTP
	Headers      map[string]string `yaml:"headers,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Trust        bool              `yaml:"trust,omitempty"`
	Description  string            `yaml:"description,omitempty"`
	IncludeTools []string          `yaml:"includeTools,omitempty"`
	ExcludeTools []string          `yaml:"excludeTools,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"` // write gemdesk.log under the config dir
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"` // empty disables the listener
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Retry: RetryConfig{
				MaxRetries: DefaultMaxRetries,
				RetryDelay: DefaultRetryDelay,
				MaxDelay:   DefaultMaxRetryDelay,
			},
		},
		Model: ModelConfig{
			Name:            DefaultModel,
			Temperature:     1.0,
			MaxOutputTokens: DefaultMaxOutputTokens,
			ThinkingBudget:  DefaultThinkingBudget,
		},
		Chat: ChatConfig{
			MaxIterations: DefaultMaxIterations,
			ThoughtStep:   DefaultThoughtStep,
			ThoughtCap:    DefaultThoughtCap,
			MaxHistory:    DefaultMaxHistory,
		},
		Approval: ApprovalConfig{
			Watch:   true,
			OnAbort: OnAbortCancel,
		},
		Tools: ToolsConfig{
			WebFetch: WebFetchConfig{
				Enabled:  true,
				Timeout:  DefaultWebFetchTimeout,
				MaxBytes: DefaultWebFetchMaxBytes,
			},
		},
		Memory: MemoryConfig{
			Enabled: true,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
