package subagent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"codeward/internal/logging"
)

// Profile is a named, user-defined delegation template loaded from
// .codeward/agents/{name}.yaml. It declares which tools a delegated task
// may use; the scheduler still enforces the subset rule against the
// parent's registry at delegation time.
type Profile struct {
	Name        string
	Description string
	Tools       []string
	Timeout     time.Duration
}

// UnmarshalYAML accepts timeout as a duration string ("5m", "90s").
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Tools       []string `yaml:"tools"`
		Timeout     string   `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.Description = raw.Description
	p.Tools = raw.Tools
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout %q: %w", raw.Timeout, err)
		}
		p.Timeout = d
	}
	return nil
}

// Validate checks profile shape; the tool names are resolved later.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("subagent profile: name is required")
	}
	if len(p.Tools) == 0 {
		return fmt.Errorf("subagent profile %s: empty tool list", p.Name)
	}
	return nil
}

// LoadProfiles reads every *.yaml profile under dir. A missing directory
// is not an error; a malformed profile is.
func LoadProfiles(dir string) (map[string]Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Profile{}, nil
		}
		return nil, fmt.Errorf("subagent profiles: %w", err)
	}

	profiles := make(map[string]Profile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("subagent profile %s: %w", path, err)
		}

		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("subagent profile %s: %w", path, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := profiles[p.Name]; dup {
			return nil, fmt.Errorf("subagent profile %s: duplicate name", p.Name)
		}
		profiles[p.Name] = p
	}

	logging.SubagentDebug("Loaded %d delegation profiles from %s", len(profiles), dir)
	return profiles, nil
}
