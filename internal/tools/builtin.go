package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codeward/internal/sandbox"
)

// RegisterBuiltins installs the compiled-in tools. File writes go through
// the sandbox profile's write predicate even though these handlers run
// in-process, so the same policy governs every path that can touch disk.
// The profile is normalized here so the mandatory read-only set (VCS
// metadata, state dir) binds the in-process write path too.
func RegisterBuiltins(r *Registry, profile sandbox.Profile) error {
	profile, err := profile.Normalize()
	if err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}

	builtins := []*Descriptor{
		{
			Name:        "read_file",
			Origin:      OriginBuiltin,
			Description: "Read a file and return its contents.",
			Schema: Schema{
				Required:   []string{"path"},
				Properties: map[string]Property{"path": {Type: "string", Description: "File path to read"}},
			},
			Handler: readFileHandler,
		},
		{
			Name:        "list_dir",
			Origin:      OriginBuiltin,
			Description: "List directory entries, directories suffixed with a slash.",
			Schema: Schema{
				Required:   []string{"path"},
				Properties: map[string]Property{"path": {Type: "string", Description: "Directory to list"}},
			},
			Handler: listDirHandler,
		},
		{
			Name:        "write_file",
			Origin:      OriginBuiltin,
			Description: "Create or overwrite a file within the writable roots.",
			Schema: Schema{
				Required: []string{"path", "content"},
				Properties: map[string]Property{
					"path":    {Type: "string", Description: "File path to write"},
					"content": {Type: "string", Description: "Full file contents"},
				},
			},
			Handler:     writeFileHandler(profile),
			WritesFiles: true,
		},
	}

	for _, d := range builtins {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func readFileHandler(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func listDirHandler(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func writeFileHandler(profile sandbox.Profile) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		content, err := stringArg(args, "content")
		if err != nil {
			return "", err
		}

		if !profile.AllowsWrite(path) {
			return "", fmt.Errorf("write to %s not permitted by sandbox profile", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	return s, nil
}
