package relay

import (
	"fmt"
	"time"

	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/logging"
	"github.com/feltcanvas/felt/pkg/core"
)

// Persistence commands. Sequenced changes are queued in order and written
// by a single loop so the backend sees them in sequence order.
const (
	commandSaveShape   = "persist.shape"
	commandDeleteShape = "persist.delete"
	commandSaveCounter = "persist.counter"
)

type shapeWrite struct {
	session string
	rec     core.ShapeRecord
}

type shapeDelete struct {
	session string
	id      string
}

type counterWrite struct {
	session string
	value   int64
}

func (s *Server) newPersister() (*dispatcher.Dispatcher, error) {
	d, err := dispatcher.New(
		logging.NewDispatcherLogger(s.persistLog, "persist"),
		dispatcher.WithQueue(s.cfg.PersistQueue),
	)
	if err != nil {
		return nil, fmt.Errorf("creating persistence loop: %w", err)
	}

	d.Register(commandSaveShape, s.handleSaveShape, dispatcher.Logged())
	d.Register(commandDeleteShape, s.handleDeleteShape, dispatcher.Logged())
	d.Register(commandSaveCounter, s.handleSaveCounter, dispatcher.Logged())
	return d, nil
}

func (s *Server) persistShape(session string, rec core.ShapeRecord) {
	s.enqueuePersist(commandSaveShape, shapeWrite{session: session, rec: rec})
}

func (s *Server) persistDelete(session, id string) {
	s.enqueuePersist(commandDeleteShape, shapeDelete{session: session, id: id})
}

func (s *Server) persistCounter(session string, value int64) {
	s.enqueuePersist(commandSaveCounter, counterWrite{session: session, value: value})
}

// enqueuePersist blocks while the queue is full.
func (s *Server) enqueuePersist(command string, payload any) {
	if _, err := s.persist.Dispatch(dispatcher.Event{Command: command, Payload: payload, Timestamp: time.Now()}); err != nil {
		s.stats.persistErrors.Add(1)
		s.persistLog.Error().Err(err).Str("command", command).Msg("Change not queued for persistence")
	}
}

func (s *Server) handleSaveShape(e dispatcher.Event) (any, error) {
	w, ok := e.Payload.(shapeWrite)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	if err := s.backend.SaveShape(w.session, &w.rec); err != nil {
		s.stats.persistErrors.Add(1)
		return nil, fmt.Errorf("saving shape %s of %s: %w", w.rec.ID, w.session, err)
	}
	return nil, nil
}

func (s *Server) handleDeleteShape(e dispatcher.Event) (any, error) {
	d, ok := e.Payload.(shapeDelete)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	if err := s.backend.DeleteShape(d.session, d.id); err != nil {
		s.stats.persistErrors.Add(1)
		return nil, fmt.Errorf("deleting shape %s of %s: %w", d.id, d.session, err)
	}
	return nil, nil
}

func (s *Server) handleSaveCounter(e dispatcher.Event) (any, error) {
	c, ok := e.Payload.(counterWrite)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	if err := s.backend.SaveCounter(c.session, c.value); err != nil {
		s.stats.persistErrors.Add(1)
		return nil, fmt.Errorf("saving counter of %s: %w", c.session, err)
	}
	return nil, nil
}
