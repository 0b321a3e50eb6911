// Package memory keeps session state in process memory and exports each
// session to a JSON file when the backend closes.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/pkg/core"
)

// SessionRecord groups the shapes of one session with its counter.
type SessionRecord struct {
	ID        string
	Shapes    map[string]core.ShapeRecord
	Counter   int64
	StartedAt time.Time
	UpdatedAt time.Time
	dirty     bool
}

// Backend stores session data in memory and exports to JSON
type Backend struct {
	cfg      config.MemoryConfig
	sessions map[string]*SessionRecord
	exports  map[string]string // session -> last export path
	now      func() time.Time
	mu       sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:      cfg,
		sessions: make(map[string]*SessionRecord),
		exports:  make(map[string]string),
		now:      time.Now,
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close exports every session changed since its last export.
func (b *Backend) Close() error {
	if b.cfg.OutputDir == "" {
		return nil
	}
	b.mu.RLock()
	var dirty []string
	for id, s := range b.sessions {
		if s.dirty {
			dirty = append(dirty, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(dirty)

	for _, id := range dirty {
		if _, err := b.Export(id); err != nil {
			return err
		}
	}
	return nil
}

// session returns the record for id, creating it. Caller holds b.mu.
func (b *Backend) session(id string) *SessionRecord {
	s, ok := b.sessions[id]
	if !ok {
		now := b.now()
		s = &SessionRecord{
			ID:        id,
			Shapes:    make(map[string]core.ShapeRecord),
			StartedAt: now,
			UpdatedAt: now,
		}
		b.sessions[id] = s
	}
	return s
}

func (b *Backend) touch(s *SessionRecord) {
	s.UpdatedAt = b.now()
	s.dirty = true
}

// SaveShape stores a copy of rec.
func (b *Backend) SaveShape(sessionID string, rec *core.ShapeRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(sessionID)
	s.Shapes[rec.ID] = rec.Clone()
	b.touch(s)
	return nil
}

// DeleteShape removes a shape. Unknown ids are ignored.
func (b *Backend) DeleteShape(sessionID, shapeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(sessionID)
	delete(s.Shapes, shapeID)
	b.touch(s)
	return nil
}

// SaveCounter records value when it is above the stored counter.
func (b *Backend) SaveCounter(sessionID string, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session(sessionID)
	if value > s.Counter {
		s.Counter = value
		b.touch(s)
	}
	return nil
}

// LoadSession returns copies of the stored shapes sorted by id.
func (b *Backend) LoadSession(sessionID string) (core.SessionState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return core.SessionState{ID: sessionID}, nil
	}
	return snapshot(s), nil
}

// ListSessions returns the ids of every stored session, sorted.
func (b *Backend) ListSessions() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetExportedFilePath returns the last export path of a session.
func (b *Backend) GetExportedFilePath(sessionID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exports[sessionID]
}

func snapshot(s *SessionRecord) core.SessionState {
	state := core.SessionState{
		ID:        s.ID,
		Counter:   s.Counter,
		UpdatedAt: s.UpdatedAt,
		Shapes:    make([]core.ShapeRecord, 0, len(s.Shapes)),
	}
	for _, rec := range s.Shapes {
		state.Shapes = append(state.Shapes, rec.Clone())
	}
	sort.Slice(state.Shapes, func(i, j int) bool {
		return state.Shapes[i].ID < state.Shapes[j].ID
	})
	return state
}
