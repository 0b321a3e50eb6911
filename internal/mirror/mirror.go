// Package mirror keeps the local view entries of the shapes, one per shape
// id, and notifies subscribers when an entry is added, changed or removed.
package mirror

import (
	"slices"
	"sort"
	"sync"

	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
)

// Entry is the view object of one shape. The first block mirrors the
// shape record; the rest is local UI state.
type Entry struct {
	ID       string
	Kind     core.ShapeKind
	Position core.Position
	Color    core.Color
	Z        int64
	Users    []string

	Dragging      bool
	Selected      bool
	ShowPresence  bool
	PresenceCount int
}

func (e Entry) clone() Entry {
	e.Users = slices.Clone(e.Users)
	return e
}

func (e Entry) equal(o Entry) bool {
	return e.ID == o.ID &&
		e.Kind == o.Kind &&
		e.Position == o.Position &&
		e.Color == o.Color &&
		e.Z == o.Z &&
		slices.Equal(e.Users, o.Users) &&
		e.Dragging == o.Dragging &&
		e.Selected == o.Selected &&
		e.ShowPresence == o.ShowPresence &&
		e.PresenceCount == o.PresenceCount
}

// EventKind classifies mirror events.
type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
)

// Event is emitted for every effective mirror mutation.
type Event struct {
	Kind  EventKind
	Entry Entry
}

// Mirror maps shape ids to view entries.
type Mirror struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	listeners substrate.Listeners[Event]
}

// New creates an empty Mirror.
func New() *Mirror {
	return &Mirror{
		entries: make(map[string]Entry),
	}
}

// Get retrieves an entry by id.
func (m *Mirror) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Put stores e and reports whether anything changed. Storing an identical
// entry emits nothing.
func (m *Mirror) Put(e Entry) bool {
	e = e.clone()

	m.mu.Lock()
	prev, existed := m.entries[e.ID]
	if existed && prev.equal(e) {
		m.mu.Unlock()
		return false
	}
	m.entries[e.ID] = e
	m.mu.Unlock()

	kind := Changed
	if !existed {
		kind = Added
	}
	m.listeners.Emit(Event{Kind: kind, Entry: e.clone()})
	return true
}

// Remove deletes an entry and reports whether it existed.
func (m *Mirror) Remove(id string) bool {
	m.mu.Lock()
	prev, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if ok {
		m.listeners.Emit(Event{Kind: Removed, Entry: prev})
	}
	return ok
}

// ApplyDrag moves an entry without touching the shared store.
func (m *Mirror) ApplyDrag(id string, pos core.Position, z int64) bool {
	e, ok := m.Get(id)
	if !ok {
		return false
	}
	e.Position = pos
	e.Z = z
	return m.Put(e)
}

// Len returns the number of entries.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// All returns every entry in render order: ascending z, then id.
func (m *Mirror) All() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Z != out[j].Z {
			return out[i].Z < out[j].Z
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns every id, sorted.
func (m *Mirror) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn for mirror events.
func (m *Mirror) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.listeners.Add(fn)
}
