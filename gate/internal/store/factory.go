package store

import (
	"fmt"

	"github.com/amurg-ai/rolegate/gate/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
