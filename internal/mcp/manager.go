package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

// Registrar is the slice of the tool registry the manager needs to
// publish and withdraw bridged tools.
type Registrar interface {
	Register(t tools.Tool)
	Unregister(name string)
}

// ServerStatus is a point-in-time snapshot of one managed server.
type ServerStatus struct {
	Name     string     `json:"name"`
	Health   Health     `json:"health"`
	Restarts int        `json:"restarts"`
	Tools    int        `json:"tools"`
	Info     ServerInfo `json:"info"`
}

// Manager runs the configured MCP servers and keeps their tools bridged
// into the registry under qualified "server__tool" names. Tool sets are
// re-bridged whenever a client reconnects or reports a list change.
type Manager struct {
	configs   []ServerConfig
	security  map[string]models.SecurityLevel
	registrar Registrar
	repairer  *Repairer
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	bridged map[string][]string
}

// NewManager wires the manager. security maps qualified tool names to
// level overrides; repairer may be nil to disable auto-repair.
func NewManager(configs []ServerConfig, security map[string]models.SecurityLevel, registrar Registrar, repairer *Repairer, logger *slog.Logger) *Manager {
	return &Manager{
		configs:   configs,
		security:  security,
		registrar: registrar,
		repairer:  repairer,
		logger:    logger,
		clients:   make(map[string]*Client),
		bridged:   make(map[string][]string),
	}
}

// Start connects every configured server. A server that cannot be
// reached is logged and skipped so one broken config does not take the
// rest down.
func (m *Manager) Start(ctx context.Context) error {
	for _, cfg := range m.configs {
		if err := cfg.Validate(); err != nil {
			m.logger.Error("mcp server config invalid", "server", cfg.Name, "err", err)
			continue
		}
		if err := m.connect(ctx, cfg); err != nil {
			m.logger.Error("mcp server unavailable", "server", cfg.Name, "err", err)
		}
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig) error {
	client := NewClient(cfg, m.logger)
	server := cfg.Name
	client.OnToolsChanged(func(ts []*Tool) {
		m.bridgeTools(server, client, ts)
	})

	err := client.Connect(ctx)
	if err != nil && m.repairer != nil {
		err = m.repairer.Repair(ctx, cfg, client.Connect, err)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[server] = client
	m.mu.Unlock()
	return nil
}

// bridgeTools replaces a server's registry entries with its current tool
// list. Names that collide after sanitizing get a hash suffix.
func (m *Manager) bridgeTools(server string, client *Client, ts []*Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.bridged[server] {
		m.registrar.Unregister(name)
	}

	used := make(map[string]struct{}, len(ts))
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		qualified := qualifiedToolName(server, t.Name)
		qualified = dedupeWithHash(qualified, server+"__"+t.Name, used)
		used[qualified] = struct{}{}

		m.registrar.Register(&bridgeTool{
			client:   client,
			server:   server,
			tool:     t,
			name:     qualified,
			security: m.securityFor(qualified),
		})
		names = append(names, qualified)
	}
	m.bridged[server] = names
	m.logger.Info("mcp tools bridged", "server", server, "count", len(names))
}

// securityFor returns the configured override for a qualified name.
// Remote tools default to write: they run code we do not control.
func (m *Manager) securityFor(qualified string) tools.Security {
	if lvl, ok := m.security[qualified]; ok && lvl.Valid() {
		return tools.Security{Level: lvl}
	}
	return tools.Security{Level: models.SecurityWrite}
}

// Status reports all managed servers, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.clients))
	for name, c := range m.clients {
		out = append(out, ServerStatus{
			Name:     name,
			Health:   c.Health(),
			Restarts: c.Restarts(),
			Tools:    len(m.bridged[name]),
			Info:     c.ServerInfo(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Client returns the managed client for a server name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

// Stop closes every client and withdraws their bridged tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	var names []string
	for _, ns := range m.bridged {
		names = append(names, ns...)
	}
	m.clients = make(map[string]*Client)
	m.bridged = make(map[string][]string)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, n := range names {
		m.registrar.Unregister(n)
	}
}
