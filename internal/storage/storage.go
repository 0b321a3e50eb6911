// Package storage defines how the relay persists session state. Backends
// receive every sequenced change and hand the latest state back when a
// session is reopened.
package storage

import (
	"errors"

	"github.com/feltcanvas/felt/pkg/core"
)

// ErrUnknownBackend is returned by NewBackend for an unsupported type.
var ErrUnknownBackend = errors.New("unknown storage type")

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// LoadSession returns the stored state of a session. A session never
	// saved yields an empty state and no error.
	LoadSession(sessionID string) (core.SessionState, error)
	ListSessions() ([]string, error)

	// Change recording, called in sequence order
	SaveShape(sessionID string, rec *core.ShapeRecord) error
	DeleteShape(sessionID, shapeID string) error
	SaveCounter(sessionID string, value int64) error
}

// Exportable is an optional interface for backends that can write a
// session to a standalone file.
type Exportable interface {
	Export(sessionID string) (path string, err error)
}
