package storage

import (
	"fmt"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/storage/memory"
	"github.com/feltcanvas/felt/internal/storage/postgres"
	sqlitestorage "github.com/feltcanvas/felt/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

// NewBackend creates a storage backend based on configuration. The backend
// still needs Init.
func NewBackend(cfg config.StorageConfig, db config.DBConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(db, log), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, log), nil
	case "memory", "":
		return memory.New(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Type)
	}
}
