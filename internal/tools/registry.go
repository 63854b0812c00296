package tools

import (
	"fmt"
	"sort"
	"sync"

	"codeward/internal/logging"
)

// Registry holds the tools available to a session. It is populated during
// startup and sealed before the first turn; after sealing, registration
// fails and the descriptor set is immutable.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	sealed bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Descriptor),
	}
}

// Register adds a descriptor. It fails on duplicates, on invalid
// descriptors, and after the registry has been sealed.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRegistrySealed, d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, d.Name)
	}

	r.tools[d.Name] = d
	logging.ToolsDebug("Registered tool: %s (origin=%s)", d.Name, d.Origin)
	return nil
}

// RegisterSkill adds a descriptor contributed by a skill package before
// session start.
func (r *Registry) RegisterSkill(d *Descriptor) error {
	skill := *d
	skill.Origin = OriginSkill
	return r.Register(&skill)
}

// RegisterMCP adds a server-provided tool under its qualified name. A
// duplicate qualified name is the collision case the multiplexer treats as
// a startup configuration error. The local name is checked before
// qualification, otherwise an empty name would register as "server_".
func (r *Registry) RegisterMCP(server string, d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: server %s", ErrToolNameEmpty, server)
	}
	qualified := *d
	qualified.Name = QualifiedMCPName(server, d.Name)
	qualified.Origin = OriginMCP
	qualified.Server = server
	return r.Register(&qualified)
}

// Seal closes the registry for the session. Idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.sealed = true
		logging.Tools("Registry sealed with %d tools", len(r.tools))
	}
}

// Sealed reports whether the registry is closed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return d, nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ByServer returns the names of tools provided by an MCP server.
func (r *Registry) ByServer(server string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, d := range r.tools {
		if d.Origin == OriginMCP && d.Server == server {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Subset builds a sealed registry containing only the named tools. Unknown
// names are errors so a capability list cannot silently widen later, and
// naming a tool that writes files or prompts the user is a capability
// violation, not a silent exclusion.
func (r *Registry) Subset(names []string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewRegistry()
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		if d.WritesFiles || d.AsksUser {
			return nil, fmt.Errorf("%w: %s", ErrToolNotDelegable, name)
		}
		sub.tools[d.Name] = d
	}
	sub.sealed = true
	return sub, nil
}
