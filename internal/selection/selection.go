// Package selection holds the local single selection and keeps the
// selecting user's presence on the selected shape.
package selection

import (
	"sync"

	"github.com/feltcanvas/felt/internal/presence"
	"github.com/feltcanvas/felt/internal/substrate"
)

// Change is emitted whenever the selection moves.
type Change struct {
	Previous string
	Current  string
}

// Manager is the selection of one client.
type Manager struct {
	self    string
	tracker *presence.Tracker

	mu       sync.Mutex
	selected string

	listeners substrate.Listeners[Change]
}

// New creates an empty selection for the user self.
func New(self string, tracker *presence.Tracker) *Manager {
	return &Manager{self: self, tracker: tracker}
}

// Select makes id the only selected shape. The previous selection loses
// self's presence before id gains it.
func (m *Manager) Select(id string) {
	m.mu.Lock()
	prev := m.selected
	m.mu.Unlock()

	if prev == id {
		m.tracker.AddUser(id, m.self)
		return
	}
	if prev != "" {
		m.tracker.Release(prev, m.self)
	}
	m.tracker.Claim(id, m.self)

	m.set(id)
	m.listeners.Emit(Change{Previous: prev, Current: id})
}

// Clear removes self's presence from the selected shape and empties the
// selection.
func (m *Manager) Clear() {
	m.mu.Lock()
	prev := m.selected
	m.mu.Unlock()
	if prev == "" {
		return
	}

	m.tracker.Release(prev, m.self)
	m.set("")
	m.listeners.Emit(Change{Previous: prev})
}

// Forget empties the selection without writing presence. Used when the
// selected shape no longer exists.
func (m *Manager) Forget() {
	m.mu.Lock()
	prev := m.selected
	m.selected = ""
	m.mu.Unlock()
	if prev != "" {
		m.listeners.Emit(Change{Previous: prev})
	}
}

// Selected returns the selected id, if any.
func (m *Manager) Selected() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected, m.selected != ""
}

// IsSelected reports whether id is the selected shape.
func (m *Manager) IsSelected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return id != "" && m.selected == id
}

// Subscribe registers fn for selection changes.
func (m *Manager) Subscribe(fn func(Change)) (unsubscribe func()) {
	return m.listeners.Add(fn)
}

func (m *Manager) set(id string) {
	m.mu.Lock()
	m.selected = id
	m.mu.Unlock()
}
