package config

import "time"

// Default configuration values.
const (
	DefaultModel           = "gemini-2.5-flash"
	DefaultMaxOutputTokens = 8192
	DefaultThinkingBudget  = 1024

	// Conversation loop limits
	DefaultMaxIterations = 10
	DefaultThoughtStep   = 10
	DefaultThoughtCap    = 50
	DefaultMaxHistory    = 200

	// Retry settings
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 1 * time.Second
	DefaultMaxRetryDelay = 30 * time.Second

	// MCP
	DefaultMCPTimeout = 60 * time.Second

	// web_fetch
	DefaultWebFetchTimeout  = 30 * time.Second
	DefaultWebFetchMaxBytes = 5 * 1024 * 1024

	// Whitelist file name inside the config directory
	DefaultWhitelistFile = "approval.yaml"

	// Audit trail directory inside the config directory
	DefaultAuditDir = "audit"
)

// Values accepted by ApprovalConfig.OnAbort.
const (
	OnAbortCancel = "cancel"
	OnAbortKeep   = "keep"
)
