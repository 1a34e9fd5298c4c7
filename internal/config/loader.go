package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"gemdesk/internal/fileutil"
)

// Load loads configuration from path (or the default location when empty)
// and applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = getConfigPath()
	}
	cfg.path = path

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	loadFromEnv(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// getConfigPath returns the path to the config file.
func getConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gemdesk", "config.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(homeDir, "Library", "Application Support", "gemdesk", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "gemdesk", "config.yaml")
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
// Priority: GEMDESK_API_KEY > GEMINI_API_KEY > GOOGLE_API_KEY
func loadFromEnv(cfg *Config) {
	for _, name := range []string{"GEMDESK_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if apiKey := os.Getenv(name); apiKey != "" {
			cfg.API.APIKey = apiKey
			break
		}
	}

	if model := os.Getenv("GEMDESK_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if level := os.Getenv("GEMDESK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// applyDefaults fills zero values a partial config file may leave behind.
func applyDefaults(cfg *Config) {
	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModel
	}
	if cfg.Chat.MaxIterations <= 0 {
		cfg.Chat.MaxIterations = DefaultMaxIterations
	}
	if cfg.Chat.ThoughtStep <= 0 {
		cfg.Chat.ThoughtStep = DefaultThoughtStep
	}
	if cfg.Chat.ThoughtCap <= 0 {
		cfg.Chat.ThoughtCap = DefaultThoughtCap
	}
	if cfg.Chat.MaxHistory <= 0 {
		cfg.Chat.MaxHistory = DefaultMaxHistory
	}
	if cfg.Approval.OnAbort == "" {
		cfg.Approval.OnAbort = OnAbortCancel
	}
	if cfg.Approval.WhitelistPath == "" {
		cfg.Approval.WhitelistPath = filepath.Join(cfg.Dir(), DefaultWhitelistFile)
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.Dir(), DefaultAuditDir)
	}
	for i := range cfg.MCP.Servers {
		srv := &cfg.MCP.Servers[i]
		if srv.ID == "" {
			srv.ID = srv.Name
		}
		if srv.Name == "" {
			srv.Name = srv.ID
		}
		if srv.Timeout == 0 {
			srv.Timeout = DefaultMCPTimeout
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return ErrMissingAuth
	}
	if c.Approval.OnAbort != OnAbortCancel && c.Approval.OnAbort != OnAbortKeep {
		return fmt.Errorf("%w: %q", ErrInvalidOnAbort, c.Approval.OnAbort)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for _, srv := range c.MCP.Servers {
		if srv.ID == "" {
			return ErrMissingServerID
		}
		if seen[srv.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateServerID, srv.ID)
		}
		seen[srv.ID] = true
	}
	return nil
}

// Error types for configuration validation.
type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

const (
	ErrMissingAuth       ConfigError = "missing authentication: set GEMINI_API_KEY or api.api_key in the config file"
	ErrInvalidOnAbort    ConfigError = "approval.on_abort must be \"cancel\" or \"keep\""
	ErrMissingServerID   ConfigError = "mcp server without id or name"
	ErrDuplicateServerID ConfigError = "duplicate mcp server id"
)

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory holding the config file; logs and the
// whitelist live next to it.
func (c *Config) Dir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

// Server returns the MCP server config with the given id.
func (c *Config) Server(id string) (MCPServerConfig, bool) {
	for _, srv := range c.MCP.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return MCPServerConfig{}, false
}

// Save writes the configuration back to its file with owner-only permissions.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("could not determine config path")
	}

	if err := fileutil.WriteYAML(c.path, c, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
