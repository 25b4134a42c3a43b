package syncr

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanPath normalizes a slash-separated relative path and rejects paths
// that are absolute or would escape the tree root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("path %q contains a backslash", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("path %q names the tree root", p)
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) || path.IsAbs(cleaned) {
		return "", fmt.Errorf("path %q is not local to the tree root", p)
	}
	return cleaned, nil
}
