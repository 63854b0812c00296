// Package config loads the session configuration from the state dir
// (.codeward/config.json). Config is immutable for a session: the watcher
// only warns when the file changes, it never reloads.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeward/internal/mcp"
	"codeward/internal/permission"
	"codeward/internal/sandbox"
)

// StateDirName is the per-workspace state directory.
const StateDirName = ".codeward"

// Config holds all codeward session configuration.
type Config struct {
	// Permissions supplies the tool permission rules.
	Permissions permission.Config `json:"permissions"`

	// Sandbox configures confinement.
	Sandbox SandboxConfig `json:"sandbox"`

	// MCPServers lists external tool servers.
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty"`

	// Subagents configures delegation.
	Subagents SubagentConfig `json:"subagents"`

	// Executor configures tool call timing.
	Executor ExecutorConfig `json:"executor"`

	// Store configures session persistence.
	Store StoreConfig `json:"store"`

	// Logging mirrors the category logger's section; the logging package
	// reads it independently at Initialize time.
	Logging LoggingConfig `json:"logging"`

	// stateDir is where this config was loaded from.
	stateDir string
}

// SandboxConfig configures the confinement layer.
type SandboxConfig struct {
	// Fallback is "degrade" or "refuse" for platforms without confinement.
	Fallback string `json:"fallback,omitempty"`

	// AllowNetwork keeps network access inside confinement.
	AllowNetwork *bool `json:"allow_network,omitempty"`

	// WritableRoots are the directories confined tools may write.
	WritableRoots []string `json:"writable_roots,omitempty"`

	// ReadOnlyOverrides carve read-only subtrees out of writable roots.
	ReadOnlyOverrides []string `json:"read_only_overrides,omitempty"`
}

// MCPServerConfig describes one server. Timeouts are duration strings.
type MCPServerConfig struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport"`
	URL            string            `json:"url,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            []string          `json:"env,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	StartupTimeout string            `json:"startup_timeout,omitempty"`
	ToolTimeout    string            `json:"tool_timeout,omitempty"`
}

// SubagentConfig configures the delegation scheduler.
type SubagentConfig struct {
	MaxConcurrent  int64  `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// ProfilesDir holds the YAML delegation profiles. Defaults to
	// {state dir}/agents.
	ProfilesDir string `json:"profiles_dir,omitempty"`
}

// ExecutorConfig configures tool call timing.
type ExecutorConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	GracePeriod    string `json:"grace_period,omitempty"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// DatabasePath defaults to {state dir}/sessions.db.
	DatabasePath string `json:"database_path,omitempty"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode,omitempty"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// DefaultStateDir returns the workspace state directory.
func DefaultStateDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return StateDirName
	}
	return filepath.Join(cwd, StateDirName)
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig(stateDir string) *Config {
	cwd, _ := os.Getwd()
	return &Config{
		Sandbox: SandboxConfig{
			Fallback:      "degrade",
			WritableRoots: []string{cwd},
		},
		Subagents: SubagentConfig{
			MaxConcurrent:  4,
			DefaultTimeout: "10m",
			ProfilesDir:    filepath.Join(stateDir, "agents"),
		},
		Executor: ExecutorConfig{
			DefaultTimeout: "2m",
			GracePeriod:    "5s",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(stateDir, "sessions.db"),
		},
		stateDir: stateDir,
	}
}

// Load reads {stateDir}/config.json, falling back to defaults if the file
// does not exist, then applies CODEWARD_* environment overrides.
func Load(stateDir string) (*Config, error) {
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}
	cfg := DefaultConfig(stateDir)

	path := filepath.Join(stateDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.stateDir = stateDir
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to {stateDir}/config.json.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.stateDir, 0755); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(c.stateDir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// StateDir returns the directory this configuration governs.
func (c *Config) StateDir() string { return c.stateDir }

// Path returns the config file location.
func (c *Config) Path() string { return filepath.Join(c.stateDir, "config.json") }

// applyEnvOverrides applies CODEWARD_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEWARD_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("CODEWARD_SANDBOX_FALLBACK"); v != "" {
		c.Sandbox.Fallback = v
	}
	if v := os.Getenv("CODEWARD_PROFILES_DIR"); v != "" {
		c.Subagents.ProfilesDir = v
	}
	if v := os.Getenv("CODEWARD_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate checks the configuration for structural errors. Rule patterns
// are validated separately when the permission rule set is compiled.
func (c *Config) Validate() error {
	switch c.Sandbox.Fallback {
	case "", "degrade", "refuse":
	default:
		return fmt.Errorf("config: sandbox.fallback must be \"degrade\" or \"refuse\", got %q", c.Sandbox.Fallback)
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for _, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("config: mcp server with empty name")
		}
		if seen[srv.Name] {
			return fmt.Errorf("config: duplicate mcp server %q", srv.Name)
		}
		seen[srv.Name] = true
		if _, err := srv.toServer(); err != nil {
			return err
		}
	}
	return nil
}

// SandboxSettings converts to the sandbox package's native types.
func (c *Config) SandboxSettings() (sandbox.Config, sandbox.Profile) {
	sc := sandbox.DefaultConfig()
	if c.Sandbox.Fallback == "refuse" {
		sc.Fallback = sandbox.FallbackRefuse
	}
	if c.Sandbox.AllowNetwork != nil {
		sc.AllowNetwork = *c.Sandbox.AllowNetwork
	}
	profile := sandbox.Profile{
		WritableRoots:     c.Sandbox.WritableRoots,
		ReadOnlyOverrides: c.Sandbox.ReadOnlyOverrides,
		StateDir:          c.stateDir,
	}
	return sc, profile
}

// MCPServers converts the server descriptors to mcp native configs.
func (c *Config) MCPServerConfigs() ([]mcp.ServerConfig, error) {
	servers := make([]mcp.ServerConfig, 0, len(c.MCPServers))
	for _, srv := range c.MCPServers {
		native, err := srv.toServer()
		if err != nil {
			return nil, err
		}
		servers = append(servers, native)
	}
	return servers, nil
}

func (s MCPServerConfig) toServer() (mcp.ServerConfig, error) {
	native := mcp.ServerConfig{
		Name:    s.Name,
		URL:     s.URL,
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		Headers: s.Headers,
	}

	switch mcp.TransportKind(s.Transport) {
	case mcp.TransportStdio, mcp.TransportHTTP, mcp.TransportStreamableHTTP:
		native.Transport = mcp.TransportKind(s.Transport)
	default:
		return mcp.ServerConfig{}, fmt.Errorf("config: mcp server %s: unknown transport %q", s.Name, s.Transport)
	}

	var err error
	if native.StartupTimeout, err = parseDuration(s.StartupTimeout, "startup_timeout", s.Name); err != nil {
		return mcp.ServerConfig{}, err
	}
	if native.ToolTimeout, err = parseDuration(s.ToolTimeout, "tool_timeout", s.Name); err != nil {
		return mcp.ServerConfig{}, err
	}
	return native, nil
}

func parseDuration(raw, field, server string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: mcp server %s: %s %q: %w", server, field, raw, err)
	}
	return d, nil
}

// ExecutorDefaultTimeout returns the executor default timeout.
func (c *Config) ExecutorDefaultTimeout() time.Duration {
	return durationOr(c.Executor.DefaultTimeout, 2*time.Minute)
}

// ExecutorGracePeriod returns the cooperative-cancel grace period.
func (c *Config) ExecutorGracePeriod() time.Duration {
	return durationOr(c.Executor.GracePeriod, 5*time.Second)
}

// SubagentDefaultTimeout returns the per-task delegation timeout.
func (c *Config) SubagentDefaultTimeout() time.Duration {
	return durationOr(c.Subagents.DefaultTimeout, 10*time.Minute)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
