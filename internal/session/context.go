package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
)

// Status is the connection state of a session.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Context holds everything scoped to one joined session. Components receive
// it at construction instead of reaching for globals.
type Context struct {
	mu        sync.RWMutex
	id        string
	self      core.Member
	sub       substrate.Session
	logger    *slog.Logger
	status    Status
	startedAt time.Time

	statusListeners substrate.Listeners[Status]
}

// New creates a Context for a joined substrate session.
func New(id string, sub substrate.Session, logger *slog.Logger) *Context {
	self := sub.Audience().Myself()
	status := StatusDisconnected
	if sub.Connected() {
		status = StatusConnected
	}
	return &Context{
		id:        id,
		self:      self,
		sub:       sub,
		logger:    logger.With("session", id, "user", self.UserID),
		status:    status,
		startedAt: time.Now(),
	}
}

// ID returns the session id.
func (c *Context) ID() string {
	return c.id
}

// Self returns the local member.
func (c *Context) Self() core.Member {
	return c.self
}

// Substrate returns the shared objects of the session.
func (c *Context) Substrate() substrate.Session {
	return c.sub
}

// Logger returns a logger tagged with session and user.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// StartedAt returns when the context was created.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// Status returns the current connection state.
func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a connection state change and notifies subscribers.
func (c *Context) SetStatus(s Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()

	if prev == s {
		return
	}
	c.logger.Info("Connection state changed", "from", prev.String(), "to", s.String())
	c.statusListeners.Emit(s)
}

// OnStatus registers fn for connection state changes.
func (c *Context) OnStatus(fn func(Status)) (unsubscribe func()) {
	return c.statusListeners.Add(fn)
}

// Attrs returns the attributes identifying this session in log records.
func (c *Context) Attrs() []slog.Attr {
	return []slog.Attr{
		slog.String("session", c.id),
		slog.String("user", c.self.UserID),
		slog.String("status", c.Status().String()),
	}
}
