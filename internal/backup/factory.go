package backup

import (
	"context"
	"fmt"

	"syncr-go/internal/config"
	"syncr-go/internal/syncr"
)

// NewAreaFromConfig builds the configured backup area. When cfg.Encrypt is
// set the area is wrapped in an EncryptedArea using enc.
func NewAreaFromConfig(ctx context.Context, cfg config.BackupConfig, enc syncr.Encryptor) (syncr.BackupArea, error) {
	var area syncr.BackupArea
	switch cfg.Type {
	case "filesystem", "":
		fsArea, err := NewFileSystemArea(cfg.Dir)
		if err != nil {
			return nil, err
		}
		area = fsArea
	case "s3":
		s3Area, err := NewS3Area(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		area = s3Area
	case "memory":
		area = NewMemoryArea()
	default:
		return nil, fmt.Errorf("unknown backup type: %q", cfg.Type)
	}

	if cfg.Encrypt {
		if enc == nil {
			return nil, fmt.Errorf("backup encryption enabled but no encryptor configured")
		}
		area = NewEncryptedArea(area, enc)
	}
	return area, nil
}
