package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// IgnoreFileName is read from the tree root for per-tree patterns.
const IgnoreFileName = ".syncrignore"

// DefaultIgnorePatterns are always applied regardless of config or
// .syncrignore. They keep catalogs, logs, interpreter caches and syncr's
// own temporary files out of the transfer set.
var DefaultIgnorePatterns = []string{
	IgnoreFileName,
	"*.db",
	"*.db-journal",
	"*.db-wal",
	"*.db-shm",
	"*.log",
	"*.pyc",
	"*.pyo",
	"*.pyd",
	".*" + tempMarker + "*",
	"__pycache__/",
	"backups/",
	"logs/",
	".git/",
}

type patternKind int

const (
	matchBasename patternKind = iota // no '/': glob against the final element
	matchPath                        // contains '/': doublestar glob against the relative path
	matchDir                         // trailing '/': directory name anywhere in the tree
)

type ignorePattern struct {
	pattern string
	kind    patternKind
}

// IgnoreMatcher checks relative paths against a set of ignore patterns.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		p := ignorePattern{pattern: raw}
		switch {
		case strings.HasSuffix(raw, "/") && !strings.Contains(strings.TrimSuffix(raw, "/"), "/"):
			p.kind = matchDir
			p.pattern = strings.TrimSuffix(raw, "/")
		case strings.Contains(raw, "/"):
			p.kind = matchPath
			p.pattern = strings.Trim(raw, "/")
		default:
			p.kind = matchBasename
		}
		patterns = append(patterns, p)
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the slash-separated relative path should be ignored.
// isDir tells whether the path names a directory; directory patterns only
// match directories, and the walker skips everything beneath them.
func (m *IgnoreMatcher) Match(relativePath string, isDir bool) bool {
	base := path.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		switch p.kind {
		case matchDir:
			if !isDir {
				continue
			}
			matched, err = path.Match(p.pattern, base)
		case matchPath:
			matched, err = doublestar.Match(p.pattern, relativePath)
		default:
			matched, err = path.Match(p.pattern, base)
		}
		if err != nil {
			// Bad pattern: skip rather than fail the walk.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file from fsys and returns the raw pattern
// strings. Returns nil and no error if the file does not exist.
func ParseIgnoreFile(fsys afero.Fs, name string) ([]string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
