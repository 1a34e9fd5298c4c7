package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"gemdesk/internal/approval"
	"gemdesk/internal/audit"
	"gemdesk/internal/chat"
	"gemdesk/internal/client"
	"gemdesk/internal/config"
	"gemdesk/internal/logging"
	"gemdesk/internal/mcp"
	"gemdesk/internal/memory"
	"gemdesk/internal/metrics"
	"gemdesk/internal/security"
	"gemdesk/internal/tools"
)

// Builder assembles an App step by step. Collaborators that talk to the
// outside world can be injected before Build.
type Builder struct {
	cfg     *config.Config
	workDir string

	// Injected collaborators (nil means build the real one)
	client   client.Client
	store    approval.Store
	promReg  *prometheus.Registry
	dialers  map[mcp.TransportKind]mcp.Dialer
	skipMCP  bool
	noClient bool

	// Built components
	metrics      *metrics.Provider
	ledger       *approval.Ledger
	gateway      *approval.Gateway
	registry     *tools.Registry
	executor     *tools.Executor
	auditLogger  *audit.Logger
	mcpManager   *mcp.Manager
	memoryDir    string
	orchestrator *chat.Orchestrator

	buildErrors []error
	mu          sync.Mutex
}

// NewBuilder creates a new Builder with the given config and work directory.
func NewBuilder(cfg *config.Config, workDir string) *Builder {
	return &Builder{
		cfg:     cfg,
		workDir: workDir,
		dialers: make(map[mcp.TransportKind]mcp.Dialer),
	}
}

// WithClient uses c instead of creating a Gemini client.
func (b *Builder) WithClient(c client.Client) *Builder {
	b.client = c
	return b
}

// WithoutClient builds an App without a model client, for commands that
// only manage approvals or MCP servers.
func (b *Builder) WithoutClient() *Builder {
	b.noClient = true
	return b
}

// WithStore uses store for the approval whitelist instead of the file
// named in the config.
func (b *Builder) WithStore(store approval.Store) *Builder {
	b.store = store
	return b
}

// WithMetricsRegistry registers the counters on reg.
func (b *Builder) WithMetricsRegistry(reg *prometheus.Registry) *Builder {
	b.promReg = reg
	return b
}

// WithDialer overrides how servers of the given transport are dialed.
func (b *Builder) WithDialer(kind mcp.TransportKind, d mcp.Dialer) *Builder {
	b.dialers[kind] = d
	return b
}

// Build constructs the App. Errors in optional parts (audit, memory) are logged
// and skipped; errors in required parts abort the build.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initMetrics()

	if err := b.initApproval(); err != nil {
		b.addError(err)
		return nil, b.finalizeError()
	}
	if err := b.initClient(ctx); err != nil {
		b.addError(err)
		return nil, b.finalizeError()
	}
	if err := b.initTools(); err != nil {
		b.addError(err)
		return nil, b.finalizeError()
	}
	if err := b.initAudit(); err != nil {
		logging.Warn("audit trail disabled", "error", err)
	}
	if err := b.initMemory(); err != nil {
		logging.Warn("memory disabled", "error", err)
	}
	b.initMCP()
	b.initOrchestrator()

	return b.assembleApp(), nil
}

func (b *Builder) initMetrics() {
	if b.promReg == nil {
		b.promReg = prometheus.NewRegistry()
	}
	b.metrics = metrics.New(b.promReg)
}

// initApproval loads the whitelist and creates the confirmation gateway.
func (b *Builder) initApproval() error {
	store := b.store
	if store == nil {
		store = approval.NewFileStore(b.cfg.Approval.WhitelistPath)
	}

	ledger, err := approval.NewLedger(store)
	if err != nil {
		return fmt.Errorf("approval ledger: %w", err)
	}

	policy := approval.AbortResolvesCancel
	if b.cfg.Approval.OnAbort == config.OnAbortKeep {
		policy = approval.AbortKeepsPending
	}

	b.ledger = ledger
	b.gateway = approval.NewGateway(ledger, policy, b.metrics)
	return nil
}

func (b *Builder) initClient(ctx context.Context) error {
	if b.client != nil || b.noClient {
		return nil
	}
	c, err := client.NewGeminiClient(ctx, b.cfg)
	if err != nil {
		return err
	}
	b.client = c
	return nil
}

// initTools registers the built-in tools and creates the executor.
func (b *Builder) initTools() error {
	b.registry = tools.NewRegistry()

	if err := b.registry.Register(tools.NewCurrentTimeTool()); err != nil {
		return err
	}
	if wf := b.cfg.Tools.WebFetch; wf.Enabled {
		guard := security.NewURLGuard(wf.AllowPrivateNetworks)
		if err := b.registry.Register(tools.NewWebFetchTool(wf.Timeout, wf.MaxBytes, guard)); err != nil {
			return err
		}
	}

	b.executor = tools.NewExecutor(b.registry, b.gateway, b.metrics)
	b.executor.SetParallel(b.cfg.Chat.ParallelTools)
	return nil
}

// initAudit records every finished tool call of this session.
func (b *Builder) initAudit() error {
	if !b.cfg.Audit.Enabled {
		return nil
	}

	dir := b.cfg.Audit.Dir
	if dir == "" {
		dir = filepath.Join(b.cfg.Dir(), config.DefaultAuditDir)
	}
	sessionID := time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]

	logger, err := audit.NewLogger(dir, sessionID)
	if err != nil {
		return err
	}
	b.auditLogger = logger
	b.executor.SetHandler(logger.Handler())
	return nil
}

// initMemory loads GEMINI.md files as the system instruction and adds the
// save_memory tool.
func (b *Builder) initMemory() error {
	if !b.cfg.Memory.Enabled {
		return nil
	}

	dir := b.cfg.Memory.Dir
	if dir == "" {
		dir = b.workDir
	}
	b.memoryDir = dir

	mem, err := memory.Load(dir)
	if err != nil {
		return err
	}
	if b.client != nil && !mem.Empty() {
		b.client.SetSystemInstruction(mem.Content)
		logging.Info("loaded memory", "files", mem.Files)
	}

	onSaved := func(m memory.Memory) {
		if b.client != nil {
			b.client.SetSystemInstruction(m.Content)
		}
	}
	return b.registry.Register(memory.NewSaveMemoryTool(dir, onSaved))
}

func (b *Builder) initMCP() {
	b.mcpManager = mcp.NewManager(b.cfg.MCP.Servers, b.registry, b.metrics)
	for kind, d := range b.dialers {
		b.mcpManager.SetDialer(kind, d)
	}
}

func (b *Builder) initOrchestrator() {
	if b.client == nil {
		return
	}
	b.orchestrator = chat.NewOrchestrator(b.client, b.executor, chat.LimitsFromConfig(b.cfg.Chat), b.metrics)
}

func (b *Builder) assembleApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config:       b.cfg,
		workDir:      b.workDir,
		metrics:      b.metrics,
		ledger:       b.ledger,
		gateway:      b.gateway,
		registry:     b.registry,
		executor:     b.executor,
		auditLogger:  b.auditLogger,
		mcpManager:   b.mcpManager,
		client:       b.client,
		orchestrator: b.orchestrator,
		memoryDir:    b.memoryDir,
		ctx:          ctx,
		cancel:       cancel,
		tracker:      NewGoroutineTracker(),
	}
}

// addError adds an error to the build errors list.
func (b *Builder) addError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buildErrors = append(b.buildErrors, err)
}

// finalizeError combines all build errors into a single error.
func (b *Builder) finalizeError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buildErrors) == 0 {
		return nil
	}
	return fmt.Errorf("app build failed: %w", errors.Join(b.buildErrors...))
}
