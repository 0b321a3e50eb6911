// Package postgres implements the storage.Backend interface on a Postgres
// database. It opens its own connection on Init and delegates all session
// writes to the GORM backend.
package postgres

import (
	"fmt"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/database"
	gormstorage "github.com/feltcanvas/felt/internal/storage/gorm"
	"github.com/rs/zerolog"
)

// Backend wraps the GORM backend with a Postgres connection.
type Backend struct {
	*gormstorage.Backend
	cfg config.DBConfig
	log zerolog.Logger
	db  *database.Manager
}

// New creates a Postgres backend. No connection is made before Init.
func New(cfg config.DBConfig, log zerolog.Logger) *Backend {
	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{Logger: log}),
		cfg:     cfg,
		log:     log.With().Str("backend", "postgres").Logger(),
	}
}

// Init connects, migrates and starts the writer.
func (b *Backend) Init() error {
	db, err := database.OpenPostgres(b.cfg, b.log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b.db = db
	b.Backend = gormstorage.New(gormstorage.Dependencies{DB: db.DB, Logger: b.log})
	if err := b.Backend.Init(); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// Close flushes pending writes and closes the connection.
func (b *Backend) Close() error {
	err := b.Backend.Close()
	if b.db != nil {
		if cerr := b.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.db = nil
	}
	return err
}
