package approval

import (
	"fmt"
	"sort"
	"sync"

	"gemdesk/internal/logging"
)

// ListKind selects one of the three whitelist sets.
type ListKind string

const (
	ListServers   ListKind = "server"
	ListTools     ListKind = "tool"
	ListToolTypes ListKind = "toolType"
)

// Whitelist is the persisted form of the ledger.
type Whitelist struct {
	MCPServers []string `yaml:"mcpServers" json:"mcpServers"`
	MCPTools   []string `yaml:"mcpTools" json:"mcpTools"`
	ToolTypes  []string `yaml:"toolTypes" json:"toolTypes"`
}

// Store persists the whitelist.
type Store interface {
	Load() (Whitelist, error)
	Save(Whitelist) error
}

// Entry is a display row for one whitelist member.
type Entry struct {
	Kind  ListKind
	Value string
	Label string
}

// toolTypeLabels maps tool-type tags to user-facing descriptions.
var toolTypeLabels = map[string]string{
	string(KindInfo): "Web Fetch operations",
}

// Ledger decides which tool invocations need interactive confirmation.
type Ledger struct {
	store Store

	servers   map[string]struct{}
	tools     map[string]struct{}
	toolTypes map[string]struct{}

	mu sync.RWMutex
	// saveMu orders mutations with their writes, so the store always ends
	// up with the latest snapshot.
	saveMu sync.Mutex
}

// NewLedger creates a ledger backed by store and loads its current content.
// A nil store keeps the whitelist in memory only.
func NewLedger(store Store) (*Ledger, error) {
	l := &Ledger{store: store}
	l.reset(Whitelist{})

	if store != nil {
		wl, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load whitelist: %w", err)
		}
		l.reset(wl)
	}
	return l, nil
}

func (l *Ledger) reset(wl Whitelist) {
	l.servers = toSet(wl.MCPServers)
	l.tools = toSet(wl.MCPTools)
	l.toolTypes = toSet(wl.ToolTypes)
}

// NeedsApproval reports whether d must be confirmed by a human.
// Unknown kinds always need approval.
func (l *Ledger) NeedsApproval(d *Details) bool {
	if d == nil {
		return true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	switch d.Kind {
	case KindMCP:
		if _, ok := l.servers[d.ServerName]; ok {
			return false
		}
		_, ok := l.tools[d.Key()]
		return !ok
	case KindInfo:
		_, ok := l.toolTypes[string(d.Kind)]
		return !ok
	default:
		return true
	}
}

// Add whitelists the identity in d: the server.tool key for mcp, the kind
// tag for info. It never promotes an mcp tool to its whole server.
func (l *Ledger) Add(d *Details) error {
	if d == nil {
		return nil
	}

	switch d.Kind {
	case KindMCP:
		return l.mutate(func() { l.tools[d.Key()] = struct{}{} })
	case KindInfo:
		return l.mutate(func() { l.toolTypes[string(d.Kind)] = struct{}{} })
	default:
		return fmt.Errorf("cannot whitelist confirmation kind %q", d.Kind)
	}
}

// AddServer trusts every tool of an MCP server.
func (l *Ledger) AddServer(serverName string) error {
	return l.mutate(func() { l.servers[serverName] = struct{}{} })
}

// Remove deletes value from the set selected by kind.
func (l *Ledger) Remove(kind ListKind, value string) error {
	switch kind {
	case ListServers, ListTools, ListToolTypes:
	default:
		return fmt.Errorf("unknown whitelist kind %q", kind)
	}
	return l.mutate(func() { delete(l.setLocked(kind), value) })
}

// Clear empties all three sets.
func (l *Ledger) Clear() error {
	return l.mutate(func() { l.reset(Whitelist{}) })
}

// Snapshot returns the current whitelist with sorted members.
func (l *Ledger) Snapshot() Whitelist {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Entries lists the whitelist with display labels.
func (l *Ledger) Entries() []Entry {
	wl := l.Snapshot()

	entries := make([]Entry, 0, len(wl.MCPServers)+len(wl.MCPTools)+len(wl.ToolTypes))
	for _, s := range wl.MCPServers {
		entries = append(entries, Entry{Kind: ListServers, Value: s, Label: "MCP Server: " + s})
	}
	for _, t := range wl.MCPTools {
		entries = append(entries, Entry{Kind: ListTools, Value: t, Label: "MCP Tool: " + t})
	}
	for _, tt := range wl.ToolTypes {
		label, ok := toolTypeLabels[tt]
		if !ok {
			label = "Tool type: " + tt
		}
		entries = append(entries, Entry{Kind: ListToolTypes, Value: tt, Label: label})
	}
	return entries
}

// Reload replaces the in-memory sets with the store content.
func (l *Ledger) Reload() error {
	if l.store == nil {
		return nil
	}

	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	wl, err := l.store.Load()
	if err != nil {
		return fmt.Errorf("failed to reload whitelist: %w", err)
	}

	l.mu.Lock()
	l.reset(wl)
	l.mu.Unlock()

	logging.Debug("whitelist reloaded",
		"servers", len(wl.MCPServers),
		"tools", len(wl.MCPTools),
		"tool_types", len(wl.ToolTypes))
	return nil
}

func (l *Ledger) setLocked(kind ListKind) map[string]struct{} {
	switch kind {
	case ListServers:
		return l.servers
	case ListTools:
		return l.tools
	default:
		return l.toolTypes
	}
}

// mutate applies fn under the write lock and persists the result.
// Readers are only blocked while fn runs, not during the save.
func (l *Ledger) mutate(fn func()) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.Lock()
	fn()
	wl := l.snapshotLocked()
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	if err := l.store.Save(wl); err != nil {
		return fmt.Errorf("failed to save whitelist: %w", err)
	}
	return nil
}

func (l *Ledger) snapshotLocked() Whitelist {
	return Whitelist{
		MCPServers: sortedKeys(l.servers),
		MCPTools:   sortedKeys(l.tools),
		ToolTypes:  sortedKeys(l.toolTypes),
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
