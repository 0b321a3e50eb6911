// Package gormstorage implements storage.Backend on top of GORM with an
// internal write queue and a background DB writer goroutine. Writes are
// coalesced per shape so a burst of drags becomes one upsert.
package gormstorage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feltcanvas/felt/internal/model"
	"github.com/feltcanvas/felt/internal/model/convert"
	"github.com/feltcanvas/felt/internal/queue"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultFlushInterval is how often queued writes reach the database.
const DefaultFlushInterval = 500 * time.Millisecond

// ErrNotInitialized is returned when the backend is used before Init.
var ErrNotInitialized = errors.New("gorm backend not initialized")

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        zerolog.Logger
	FlushInterval time.Duration
}

type writeKind int

const (
	writeShape writeKind = iota
	writeDelete
	writeCounter
)

type pendingWrite struct {
	kind    writeKind
	session string
	shape   model.Shape
	shapeID string
	counter int64
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps    Dependencies
	writes  *queue.Queue[pendingWrite]
	flushMu sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	ready    bool
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		writes: queue.New[pendingWrite](),
	}
}

// Init migrates the schema and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return ErrNotInitialized
	}
	if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	b.stopChan = make(chan struct{})
	b.ready = true

	b.wg.Add(1)
	go b.writerLoop()
	return nil
}

// Close stops the writer and flushes what is still queued.
func (b *Backend) Close() error {
	if !b.ready {
		return nil
	}
	close(b.stopChan)
	b.wg.Wait()
	b.ready = false
	return b.Flush()
}

func (b *Backend) writerLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error().Err(err).Msg("Failed to flush write queue")
			}
		}
	}
}

// SaveShape queues an upsert of rec.
func (b *Backend) SaveShape(sessionID string, rec *core.ShapeRecord) error {
	if rec == nil {
		return fmt.Errorf("nil shape record")
	}
	b.writes.Push(pendingWrite{
		kind:    writeShape,
		session: sessionID,
		shapeID: rec.ID,
		shape:   convert.CoreToShape(sessionID, *rec),
	})
	return nil
}

// DeleteShape queues the removal of a shape.
func (b *Backend) DeleteShape(sessionID, shapeID string) error {
	b.writes.Push(pendingWrite{kind: writeDelete, session: sessionID, shapeID: shapeID})
	return nil
}

// SaveCounter queues the new counter value of a session.
func (b *Backend) SaveCounter(sessionID string, value int64) error {
	b.writes.Push(pendingWrite{kind: writeCounter, session: sessionID, counter: value})
	return nil
}

// Pending returns the number of queued writes.
func (b *Backend) Pending() int {
	return b.writes.Len()
}

type shapeKey struct {
	session string
	shapeID string
}

// Flush writes every queued change in one transaction. Only the last write
// per shape and per session counter is applied.
func (b *Backend) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	writes := b.writes.Drain()
	if len(writes) == 0 {
		return nil
	}

	shapes := make(map[shapeKey]pendingWrite)
	counters := make(map[string]int64)
	sessions := make(map[string]struct{})
	for _, w := range writes {
		sessions[w.session] = struct{}{}
		switch w.kind {
		case writeCounter:
			if w.counter > counters[w.session] {
				counters[w.session] = w.counter
			}
		default:
			shapes[shapeKey{w.session, w.shapeID}] = w
		}
	}

	start := time.Now()
	err := b.deps.DB.Transaction(func(tx *gorm.DB) error {
		for id := range sessions {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.Session{ID: id}).Error; err != nil {
				return fmt.Errorf("ensure session %s: %w", id, err)
			}
		}
		for id, value := range counters {
			if err := tx.Model(&model.Session{}).
				Where("id = ? AND counter < ?", id, value).
				Update("counter", value).Error; err != nil {
				return fmt.Errorf("save counter of %s: %w", id, err)
			}
		}

		var upserts []model.Shape
		for key, w := range shapes {
			if w.kind == writeDelete {
				if err := tx.Where("session_id = ? AND shape_id = ?", key.session, key.shapeID).
					Delete(&model.Shape{}).Error; err != nil {
					return fmt.Errorf("delete shape %s: %w", key.shapeID, err)
				}
				continue
			}
			upserts = append(upserts, w.shape)
		}
		if len(upserts) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "shape_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "color", "z", "position", "users", "updated_at"}),
		}).Create(&upserts).Error
	})
	if err != nil {
		// requeue so the next flush retries in the same order
		b.writes.Push(writes...)
		return err
	}

	b.deps.Logger.Debug().
		Int("writes", len(writes)).
		Int("shapes", len(shapes)).
		Dur("duration", time.Since(start)).
		Msg("Flushed write queue")
	return nil
}

// LoadSession flushes pending writes and reads the session back.
func (b *Backend) LoadSession(sessionID string) (core.SessionState, error) {
	if !b.ready {
		return core.SessionState{}, ErrNotInitialized
	}
	if err := b.Flush(); err != nil {
		return core.SessionState{}, err
	}

	var session model.Session
	err := b.deps.DB.Where("id = ?", sessionID).Limit(1).Find(&session).Error
	if err != nil {
		return core.SessionState{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return core.SessionState{ID: sessionID}, nil
	}

	var rows []model.Shape
	if err := b.deps.DB.Where("session_id = ?", sessionID).Order("shape_id").Find(&rows).Error; err != nil {
		return core.SessionState{}, fmt.Errorf("load shapes of %s: %w", sessionID, err)
	}
	return convert.SessionToCore(session, rows), nil
}

// ListSessions returns the ids of every stored session, sorted.
func (b *Backend) ListSessions() ([]string, error) {
	if !b.ready {
		return nil, ErrNotInitialized
	}
	if err := b.Flush(); err != nil {
		return nil, err
	}
	var ids []string
	if err := b.deps.DB.Model(&model.Session{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordStatus stores one relay status sample.
func (b *Backend) RecordStatus(status *model.RelayStatus) error {
	if !b.ready {
		return ErrNotInitialized
	}
	return b.deps.DB.Create(status).Error
}
