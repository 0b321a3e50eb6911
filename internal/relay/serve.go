package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/feltcanvas/felt/pkg/streaming"
)

// servePeer runs one connection from join to disconnect.
func (s *Server) servePeer(conn *ws.Conn) {
	defer conn.Close()

	join, err := readJoin(conn, s.cfg.JoinTimeout)
	if err != nil {
		s.logger.Debug("Join failed", "remote", conn.RemoteAddr().String(), "error", err)
		writeError(conn, streaming.TypeJoin, err)
		return
	}

	r, err := s.room(join.Session)
	if err != nil {
		s.logger.Warn("Session unavailable", "session", join.Session, "error", err)
		writeError(conn, streaming.TypeJoin, err)
		return
	}

	logger := s.logger.With("session", join.Session, "user", join.Member.UserID)
	p := newPeer(conn, s.cfg.SendBuffer, logger, func() { s.stats.kicked.Add(1) })
	p.stream = join.Stream
	if err := r.join(p, join.Member); err != nil {
		logger.Warn("Join rejected", "error", err)
		p.close()
		return
	}
	go p.writePump()
	p.logger.Info("Peer joined")

	defer func() {
		r.leave(p)
		p.close()
		p.logger.Info("Peer left")
	}()

	p.readPump(func(data []byte) {
		s.handle(r, p, data)
	})
}

func readJoin(conn *ws.Conn, timeout time.Duration) (streaming.JoinPayload, error) {
	var join streaming.JoinPayload

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return join, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return join, fmt.Errorf("reading join: %w", err)
	}

	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return join, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type != streaming.TypeJoin {
		return join, fmt.Errorf("expected %s, got %q", streaming.TypeJoin, env.Type)
	}
	if err := streaming.Decode(env, &join); err != nil {
		return join, err
	}
	if join.Session == "" {
		return join, errors.New("join without session")
	}
	return join, nil
}

// writeError reports a failure on a connection that has no write pump yet.
func writeError(conn *ws.Conn, forType string, cause error) {
	data, err := streaming.Encode(streaming.TypeError, streaming.ErrorPayload{For: forType, Message: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(ws.TextMessage, data)
}

// handle processes one message from a joined peer. Failures are reported
// back to the peer and do not end the connection.
func (s *Server) handle(r *room, p *peer, data []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.reject(p, "", fmt.Errorf("malformed envelope: %w", err))
		return
	}

	var err error
	switch env.Type {
	case streaming.TypeOp:
		var req streaming.OpRequest
		if err = streaming.Decode(env, &req); err == nil {
			err = r.submit(p, req.ClientSeq, req.Op)
		}
	case streaming.TypeIncrement:
		var req streaming.IncrementRequest
		if err = streaming.Decode(env, &req); err == nil {
			err = r.increment(p, req.RequestID)
		}
	case streaming.TypeSignal:
		var req streaming.SignalPayload
		if err = streaming.Decode(env, &req); err == nil {
			if req.Topic == "" {
				err = errors.New("signal without topic")
			} else {
				err = r.signal(p, req.Topic, req.Payload)
			}
		}
	case streaming.TypeJoin:
		err = errors.New("already joined")
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if err != nil {
		s.reject(p, env.Type, err)
	}
}

func (s *Server) reject(p *peer, forType string, cause error) {
	s.stats.rejected.Add(1)
	p.logger.Debug("Rejected message", "type", forType, "error", cause)
	data, err := streaming.Encode(streaming.TypeError, streaming.ErrorPayload{For: forType, Message: cause.Error()})
	if err != nil {
		return
	}
	p.enqueue(data, false)
}
