package relay

import (
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/feltcanvas/felt/pkg/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// peer is one joined connection. Only writePump writes to conn after join.
type peer struct {
	conn   *ws.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// set by room.join under the room lock
	member core.Member
	// stream names the client's op numbering; set before join
	stream string

	onKick func()
}

func newPeer(conn *ws.Conn, buffer int, logger *slog.Logger, onKick func()) *peer {
	return &peer{
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
		onKick: onKick,
	}
}

// enqueue hands data to the write pump without blocking. A durable message
// that finds the buffer full disconnects the peer; a transient one is
// dropped.
func (p *peer) enqueue(data []byte, durable bool) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	default:
	}

	if durable {
		p.logger.Warn("Send buffer full, disconnecting peer", "buffer", cap(p.send))
		if p.onKick != nil {
			p.onKick()
		}
		p.close()
	}
	return false
}

// close stops the write pump and closes the connection, which ends the
// read pump. Safe to call more than once and from any goroutine.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = p.conn.Close()
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.logger.Debug("SetWriteDeadline failed", "error", err)
				p.close()
				return
			}
			if err := p.conn.WriteMessage(ws.TextMessage, data); err != nil {
				p.logger.Debug("WebSocket write failed", "error", err)
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug("Ping failed", "error", err)
				p.close()
				return
			}
		}
	}
}

// readPump hands every inbound message to handle until the connection
// fails or is closed.
func (p *peer) readPump(handle func([]byte)) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				p.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
