// Package tools defines tool descriptors and the session-scoped registry.
//
// A descriptor's identity is its fully-qualified name; tools provided by an
// external MCP server are namespaced as {server}_{tool}. The registry is
// populated during session startup (builtins, then skills, then MCP servers)
// and sealed before the first turn runs — no descriptor changes mid-session.
package tools

import (
	"context"
	"fmt"
)

// Origin identifies where a tool comes from.
type Origin string

const (
	// OriginBuiltin is a tool compiled into the binary.
	OriginBuiltin Origin = "builtin"

	// OriginSkill is a tool contributed by a skill or slash-command package
	// before session start.
	OriginSkill Origin = "skill"

	// OriginMCP is a tool exposed by an external MCP server.
	OriginMCP Origin = "mcp"
)

// Property describes a single parameter for the JSON argument schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`

	// Items describes array element schema (required for type="array").
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// Schema defines the expected arguments of a tool.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required,omitempty"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties,omitempty"`
}

// Handler executes a tool call and returns its textual output.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Descriptor defines a single tool. Descriptors are immutable once
// registered for a session.
type Descriptor struct {
	// Name is the unique, fully-qualified identifier.
	Name string

	// Origin says where the tool comes from.
	Origin Origin

	// Server is the MCP server name for OriginMCP descriptors, empty
	// otherwise.
	Server string

	// Description explains what the tool does.
	Description string

	// Schema defines the expected arguments.
	Schema Schema

	// Handler runs the tool.
	Handler Handler

	// NeedsProcess marks tools that spawn shell/filesystem processes and
	// therefore run under sandbox confinement.
	NeedsProcess bool

	// WritesFiles marks tools that modify the filesystem. Subagent
	// capability sets always exclude these.
	WritesFiles bool

	// AsksUser marks tools that prompt the human user. Subagent capability
	// sets always exclude these.
	AsksUser bool
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return ErrToolNameEmpty
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s", ErrToolHandlerNil, d.Name)
	}
	switch d.Origin {
	case OriginBuiltin, OriginSkill:
		if d.Server != "" {
			return fmt.Errorf("tools: %s origin %s must not name a server", d.Name, d.Origin)
		}
	case OriginMCP:
		if d.Server == "" {
			return fmt.Errorf("tools: mcp tool %s must name its server", d.Name)
		}
	default:
		return fmt.Errorf("tools: %s has unknown origin %q", d.Name, d.Origin)
	}
	return nil
}

// ValidateArgs checks that all required arguments are present.
func (d *Descriptor) ValidateArgs(args map[string]any) error {
	for _, required := range d.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}

// QualifiedMCPName builds the namespaced identity for an MCP-provided tool.
func QualifiedMCPName(server, tool string) string {
	return server + "_" + tool
}
