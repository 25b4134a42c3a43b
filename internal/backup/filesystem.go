// Package backup implements the storage areas that hold the preserved
// content of overwritten files.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"syncr-go/internal/syncr"
)

// ErrExists is returned by Put when the key already holds an artifact.
var ErrExists = errors.New("backup artifact already exists")

// FileSystemArea stores each artifact as a file under root, mirroring the
// slash-separated key as a relative path:
//
//	<root>/
//	  docs/
//	    report.pdf_1705314600_1a2b3c4d
type FileSystemArea struct {
	root string
}

// NewFileSystemArea creates the root directory if needed.
func NewFileSystemArea(root string) (*FileSystemArea, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileSystemArea{root: root}, nil
}

func (a *FileSystemArea) resolve(key string) (string, error) {
	clean, err := syncr.CleanPath(key)
	if err != nil {
		return "", fmt.Errorf("invalid backup key: %w", err)
	}
	return filepath.Join(a.root, filepath.FromSlash(clean)), nil
}

// Put writes the artifact atomically: content goes to a temp file that is
// linked into place only after the size has been verified.
func (a *FileSystemArea) Put(key string, r io.Reader, size int64) error {
	destPath, err := a.resolve(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	// Link fails if destPath appeared meanwhile, so an artifact is never replaced.
	if err := os.Link(tmpPath, destPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("failed to link backup artifact: %w", err)
	}
	return nil
}

func (a *FileSystemArea) Get(key string, w io.Writer) error {
	srcPath, err := a.resolve(key)
	if err != nil {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", syncr.ErrMissingBackupArtifact, key)
		}
		return fmt.Errorf("failed to open backup artifact: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read backup artifact: %w", err)
	}
	return nil
}

func (a *FileSystemArea) Exists(key string) (bool, error) {
	p, err := a.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat backup artifact: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// ValidateSetup verifies that the root is an accessible directory.
func (a *FileSystemArea) ValidateSetup() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("backup root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backup root is not a directory: %s", a.root)
	}
	return nil
}

var _ syncr.BackupArea = (*FileSystemArea)(nil)
