// Package sqlitestorage implements the storage.Backend interface using
// SQLite. With an empty path the database lives in memory and is dumped to
// disk periodically via VACUUM INTO; otherwise it is written in place.
// It wraps the GORM backend via composition.
package sqlitestorage

import (
	"fmt"
	"time"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/database"
	gormstorage "github.com/feltcanvas/felt/internal/storage/gorm"
	"github.com/rs/zerolog"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	cfg      config.SQLiteConfig
	log      zerolog.Logger
	db       *database.Manager
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a SQLite backend. The database is opened on Init.
func New(cfg config.SQLiteConfig, log zerolog.Logger) *Backend {
	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{Logger: log}),
		cfg:     cfg,
		log:     log.With().Str("backend", "sqlite").Logger(),
	}
}

// Init opens the database, initializes the embedded GORM backend and, for
// in-memory databases, starts the dump goroutine.
func (b *Backend) Init() error {
	db, err := database.OpenSqlite(b.cfg.Path, b.log)
	if err != nil {
		return fmt.Errorf("failed to open SQLite DB: %w", err)
	}
	b.db = db
	b.Backend = gormstorage.New(gormstorage.Dependencies{DB: db.DB, Logger: b.log})
	if err := b.Backend.Init(); err != nil {
		_ = db.Close()
		return err
	}

	if b.dumps() {
		b.stopChan = make(chan struct{})
		b.done = make(chan struct{})
		go b.dumpLoop()
	}
	return nil
}

func (b *Backend) dumps() bool {
	return b.db != nil && b.db.InMemory && b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0
}

// Close stops the dump goroutine, flushes, writes a last dump and closes
// the database.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.done
		b.stopChan = nil
	}
	err := b.Backend.Close()
	if b.db == nil {
		return err
	}
	if err == nil && b.db.InMemory && b.cfg.DumpPath != "" {
		err = b.db.DumpToDisk(b.cfg.DumpPath)
	}
	if cerr := b.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	b.db = nil
	return err
}

// Dump flushes pending writes and vacuums the database to the dump path.
func (b *Backend) Dump() error {
	if b.db == nil {
		return gormstorage.ErrNotInitialized
	}
	if err := b.Backend.Flush(); err != nil {
		return err
	}
	return b.db.DumpToDisk(b.cfg.DumpPath)
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Dump(); err != nil {
				b.log.Error().Err(err).Msg("Error dumping to disk")
			} else {
				b.log.Debug().Dur("duration", time.Since(start)).Msg("Dumped to disk")
			}
		}
	}
}
