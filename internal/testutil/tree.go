package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"syncr-go/internal/fs"
)

// NewTestTree returns a Tree rooted at a fresh temp directory.
func NewTestTree(t *testing.T) (*fs.Tree, string) {
	t.Helper()

	root := t.TempDir()
	tree, err := fs.NewTree(root, nil)
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}
	return tree, root
}

// WriteFile writes content to root/rel, creating parents, and sets its
// modification time to mtime.
func WriteFile(t *testing.T, root, rel string, content []byte, mtime time.Time) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", p, err)
	}
}

// ReadFile returns the content of root/rel.
func ReadFile(t *testing.T, root, rel string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return data
}
