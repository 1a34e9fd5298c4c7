package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/mcp"
	"gemdesk/internal/metrics"
)

var (
	version     = "0.1.0"
	cfgFile     string
	model       string
	verbose     bool
	metricsAddr string
)

func main() {
	mcp.ClientVersion = version

	rootCmd := &cobra.Command{
		Use:   "gemdesk",
		Short: "Gemini chat client with approved tool calls and MCP servers",
		Long: `gemdesk is a terminal client for Gemini models. Tool calls the model
makes go through an approval prompt unless they are whitelisted, and tools
from configured MCP servers are offered to the model alongside the built-in
ones.`,
		SilenceUsage: true,
		RunE:         runChat,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/gemdesk/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "model to use (default is "+config.DefaultModel+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "chat",
			Short: "Start an interactive chat (default)",
			RunE:  runChat,
		},
		newApprovalCmd(),
		newMCPCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("gemdesk version %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Version = version

	if model != "" {
		cfg.Model.Name = model
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	switch {
	case verbose:
		logging.Configure(logging.LevelDebug, os.Stderr)
	case cfg.Logging.File:
		if err := logging.EnableFileLogging(cfg.Dir(), logging.ParseLevel(cfg.Logging.Level)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		}
	}
	return cfg, nil
}

// serveMetrics exposes the counters on addr until the process exits.
func serveMetrics(addr string, p *metrics.Provider) {
	if addr == "" || p == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	go func() {
		logging.Info("serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics listener stopped", "error", err)
		}
	}()
}
