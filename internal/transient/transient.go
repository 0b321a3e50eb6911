// Package transient carries drag previews over the best-effort signal
// channel. Nothing sent here is durable; the final position of a drag is
// always written to the shape store by the caller.
package transient

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/feltcanvas/felt/internal/substrate"
)

// Topic is the signal topic for drag previews.
const Topic = "drag"

// DragSignal is an intermediate drag position.
type DragSignal struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  int64   `json:"z"`
}

// Channel sends and receives drag signals.
type Channel struct {
	signals substrate.Signaler
	enabled atomic.Bool
	logger  *slog.Logger
}

// New creates a channel over signals.
func New(signals substrate.Signaler, enabled bool, logger *slog.Logger) *Channel {
	c := &Channel{signals: signals, logger: logger}
	c.enabled.Store(enabled)
	return c
}

// Enabled reports whether drags are previewed over the channel.
func (c *Channel) Enabled() bool {
	return c.enabled.Load()
}

// SetEnabled sets the flag.
func (c *Channel) SetEnabled(on bool) {
	c.enabled.Store(on)
}

// Toggle flips the flag and returns the new value.
func (c *Channel) Toggle() bool {
	for {
		old := c.enabled.Load()
		if c.enabled.CompareAndSwap(old, !old) {
			c.logger.Info("Transient channel toggled", "enabled", !old)
			return !old
		}
	}
}

// Broadcast submits sig to every other client.
func (c *Channel) Broadcast(sig DragSignal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		c.logger.Warn("Failed to encode drag signal", "id", sig.ID, "error", err)
		return
	}
	c.signals.Submit(Topic, payload)
}

// Listen registers fn for drag signals from other clients. Own signals and
// undecodable payloads are ignored.
func (c *Channel) Listen(fn func(DragSignal)) (unsubscribe func()) {
	return c.signals.OnSignal(Topic, func(clientID string, local bool, payload []byte) {
		if local {
			return
		}
		var sig DragSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			c.logger.Debug("Ignoring malformed drag signal", "from", clientID, "error", err)
			return
		}
		if sig.ID == "" {
			return
		}
		fn(sig)
	})
}
