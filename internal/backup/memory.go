package backup

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"syncr-go/internal/syncr"
)

// MemoryArea keeps artifacts in memory. It is safe for concurrent use.
type MemoryArea struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

func NewMemoryArea() *MemoryArea {
	return &MemoryArea{artifacts: make(map[string][]byte)}
}

func (m *MemoryArea) Put(key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.artifacts[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.artifacts[key] = data
	return nil
}

func (m *MemoryArea) Get(key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.artifacts[key]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", syncr.ErrMissingBackupArtifact, key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryArea) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.artifacts[key]
	return ok, nil
}

// Delete removes an artifact. Used by tests to simulate retention.
func (m *MemoryArea) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, key)
}

func (m *MemoryArea) ValidateSetup() error { return nil }

var _ syncr.BackupArea = (*MemoryArea)(nil)
