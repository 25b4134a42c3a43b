package encryption

import (
	"fmt"

	"syncr-go/internal/config"
	"syncr-go/internal/syncr"
)

func NewEncryptorFromConfig(cfg config.EncryptionConfig) (syncr.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "marker":
		return NewMarkerEncryptor(), nil
	}
	return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
}
