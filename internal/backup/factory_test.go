package backup

import (
	"context"
	"path/filepath"
	"testing"

	"syncr-go/internal/config"
	"syncr-go/internal/encryption"
)

func TestNewAreaFromConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")

	area, err := NewAreaFromConfig(ctx, config.BackupConfig{Type: "filesystem", Dir: dir}, nil)
	if err != nil {
		t.Fatalf("filesystem: error = %v", err)
	}
	if _, ok := area.(*FileSystemArea); !ok {
		t.Errorf("filesystem: got %T", area)
	}

	area, err = NewAreaFromConfig(ctx, config.BackupConfig{Type: "memory", Encrypt: true}, encryption.NewMarkerEncryptor())
	if err != nil {
		t.Fatalf("encrypted memory: error = %v", err)
	}
	if _, ok := area.(*EncryptedArea); !ok {
		t.Errorf("encrypted memory: got %T", area)
	}

	if _, err := NewAreaFromConfig(ctx, config.BackupConfig{Type: "memory", Encrypt: true}, nil); err == nil {
		t.Error("encryption without encryptor should fail")
	}
	if _, err := NewAreaFromConfig(ctx, config.BackupConfig{Type: "tape"}, nil); err == nil {
		t.Error("unknown type should fail")
	}
}
