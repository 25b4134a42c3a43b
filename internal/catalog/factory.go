package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"syncr-go/internal/config"
	"syncr-go/internal/syncr"
)

// NewCatalogFromConfig opens the catalog named name ("server" or "client")
// according to the catalog config type.
func NewCatalogFromConfig(cfg config.CatalogConfig, name string, clock syncr.Clock) (syncr.Catalog, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite catalog")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteCatalog(filepath.Join(cfg.DataDir, name+".db"), WithClock(clock))
	case "memory":
		return NewSQLiteCatalog(":memory:", WithClock(clock))
	default:
		return nil, fmt.Errorf("unknown catalog type: %s", cfg.Type)
	}
}
