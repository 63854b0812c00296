package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeward/internal/sandbox"
)

func writeFileTool(t *testing.T, root string) *Descriptor {
	t.Helper()
	r := NewRegistry()
	err := RegisterBuiltins(r, sandbox.Profile{
		WritableRoots: []string{root},
		StateDir:      filepath.Join(root, ".codeward"),
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := r.Get("write_file")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestWriteFileRefusesVCSMetadata(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git", "hooks"), 0o755); err != nil {
		t.Fatal(err)
	}
	d := writeFileTool(t, root)

	target := filepath.Join(root, ".git", "hooks", "post-checkout")
	_, err := d.Handler(context.Background(), map[string]any{"path": target, "content": "pwned"})
	if err == nil {
		t.Fatal("write into .git must be refused even though root is writable")
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Error("refused write must leave no file behind")
	}
}

func TestWriteFileRefusesStateDir(t *testing.T) {
	root := t.TempDir()
	d := writeFileTool(t, root)

	_, err := d.Handler(context.Background(), map[string]any{
		"path":    filepath.Join(root, ".codeward", "config.json"),
		"content": "{}",
	})
	if err == nil {
		t.Fatal("write into the state dir must be refused")
	}
}

func TestWriteFileWithinWritableRoot(t *testing.T) {
	root := t.TempDir()
	d := writeFileTool(t, root)

	target := filepath.Join(root, "notes", "a.txt")
	out, err := d.Handler(context.Background(), map[string]any{"path": target, "content": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if out == "" {
		t.Error("expected a confirmation message")
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("wrote %q", data)
	}
}

func TestRegisterBuiltinsRejectsEmptyProfile(t *testing.T) {
	err := RegisterBuiltins(NewRegistry(), sandbox.Profile{})
	if err == nil {
		t.Fatal("profile without writable roots must be rejected")
	}
}
