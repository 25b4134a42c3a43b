package fs

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"syncr-go/internal/syncr"
)

// tempMarker is embedded in the names of in-flight writes so that walks
// never catalog them.
const tempMarker = ".syncr-tmp-"

var errStopWalk = errors.New("walk stopped")

// Tree is a directory tree accessed through afero. Paths passed to and
// returned from Tree are slash-separated and relative to the root.
type Tree struct {
	fs     afero.Fs
	ignore *IgnoreMatcher
}

// NewTree roots a Tree at dir on the OS filesystem. patterns are added to
// the defaults and to any .syncrignore at the root.
func NewTree(dir string, patterns []string) (*Tree, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat tree root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree root is not a directory: %s", dir)
	}
	return NewTreeFromFs(afero.NewBasePathFs(afero.NewOsFs(), dir), patterns)
}

// NewTreeFromFs creates a Tree whose root is the root of fsys.
func NewTreeFromFs(fsys afero.Fs, patterns []string) (*Tree, error) {
	fromFile, err := ParseIgnoreFile(fsys, IgnoreFileName)
	if err != nil {
		return nil, err
	}
	all := slices.Concat(DefaultIgnorePatterns, patterns, fromFile)
	return &Tree{fs: fsys, ignore: NewIgnoreMatcher(all)}, nil
}

// Walk yields every regular file that is not ignored. A stat or read error
// is yielded once and ends the walk.
func (t *Tree) Walk() iter.Seq2[syncr.ScanEntry, error] {
	return func(yield func(syncr.ScanEntry, error) bool) {
		stopped := false
		err := afero.Walk(t.fs, ".", func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := filepath.ToSlash(p)
			if rel == "." {
				return nil
			}
			if info.IsDir() {
				if t.ignore.Match(rel, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() || t.ignore.Match(rel, false) {
				return nil
			}
			if !yield(entryFor(rel, info), nil) {
				stopped = true
				return errStopWalk
			}
			return nil
		})
		if err != nil && !stopped {
			yield(syncr.ScanEntry{}, fmt.Errorf("walking tree: %w", err))
		}
	}
}

func entryFor(rel string, info os.FileInfo) syncr.ScanEntry {
	return syncr.ScanEntry{
		Path:         rel,
		Size:         info.Size(),
		ModifiedTime: syncr.Seconds(info.ModTime()),
	}
}

func (t *Tree) Stat(p string) (syncr.ScanEntry, error) {
	info, err := t.fs.Stat(filepath.FromSlash(p))
	if err != nil {
		return syncr.ScanEntry{}, err
	}
	if !info.Mode().IsRegular() {
		return syncr.ScanEntry{}, fmt.Errorf("not a regular file: %s", p)
	}
	return entryFor(p, info), nil
}

// Fingerprint stats and hashes p in a single open.
func (t *Tree) Fingerprint(p string) (syncr.ScanEntry, string, error) {
	f, err := t.fs.Open(filepath.FromSlash(p))
	if err != nil {
		return syncr.ScanEntry{}, "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return syncr.ScanEntry{}, "", fmt.Errorf("stat %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return syncr.ScanEntry{}, "", fmt.Errorf("not a regular file: %s", p)
	}

	hash, _, err := syncr.HashReader(f)
	if err != nil {
		return syncr.ScanEntry{}, "", fmt.Errorf("%s: %w", p, err)
	}
	return entryFor(p, info), hash, nil
}

func (t *Tree) Open(p string) (io.ReadCloser, error) {
	return t.fs.Open(filepath.FromSlash(p))
}

func (t *Tree) WriteFile(p string, write func(w io.Writer) error) error {
	name := filepath.FromSlash(p)
	dir := filepath.Dir(name)
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}

	tmp, err := afero.TempFile(t.fs, dir, "."+filepath.Base(name)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			t.fs.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := t.fs.Rename(tmpName, name); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (t *Tree) Chtimes(p string, mtime float64) error {
	ts := syncr.TimeFromSeconds(mtime)
	return t.fs.Chtimes(filepath.FromSlash(p), ts, ts)
}

var _ syncr.FileTree = (*Tree)(nil)
