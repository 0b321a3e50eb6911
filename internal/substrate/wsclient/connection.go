package wsclient

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	outboxSize = 10_000
	// redialAttempts failed attempts escalate the log level; redial keeps going.
	redialAttempts = 10
	maxBackoff     = 30 * time.Second
	writeWait      = 10 * time.Second
)

type durableFrame struct {
	seq  uint64
	data []byte
}

// connection owns the socket to the relay. One writer goroutine drains the
// outbox and the durable log; a broken socket is replaced by redialing and
// replaying join.
//
// Outbox frames are best effort. Durable frames stay in the log until the
// relay acknowledges their client seq and are rewritten in order on every
// new socket; the relay ignores numbers it has already sequenced.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	retire  chan struct{} // closed when conn stops being current
	join    []byte
	closed  bool
	outbox  chan []byte
	done    chan struct{}
	backoff time.Duration

	unacked []durableFrame
	lastSeq uint64 // last client seq handed out
	written uint64 // highest client seq written on the current socket
	kick    chan struct{}

	target *url.URL

	onMessage func([]byte)
	onState   func(connected bool)
	logger    *slog.Logger
}

func newConnection(logger *slog.Logger, onMessage func([]byte), onState func(bool)) *connection {
	return &connection{
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
		backoff:   time.Second,
		onMessage: onMessage,
		onState:   onState,
		logger:    logger,
	}
}

// dial opens the first socket. Unlike redial it fails fast.
func (c *connection) dial(rawURL, secret string, join []byte) error {
	target, err := relayURL(rawURL, secret)
	if err != nil {
		return err
	}
	c.target = target
	c.setJoin(join)

	conn, err := c.handshake()
	if err != nil {
		return err
	}
	if !c.attach(conn) {
		return fmt.Errorf("connection closed during dial")
	}
	return nil
}

// relayURL adds the shared secret as a query parameter.
func relayURL(rawURL, secret string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// handshake dials and sends the current join message.
func (c *connection) handshake() (*ws.Conn, error) {
	conn, _, err := ws.DefaultDialer.Dial(c.target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	join := c.join
	c.mu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
		err = conn.WriteMessage(ws.TextMessage, join)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

// attach makes conn current and starts its loops. It reports false and
// closes conn when the connection was shut down meanwhile.
func (c *connection) attach(conn *ws.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.retire = make(chan struct{})
	c.written = 0
	retire := c.retire
	c.mu.Unlock()

	go c.writeLoop(conn, retire)
	go c.readLoop(conn)
	c.poke()
	return true
}

// setJoin replaces the message replayed on every redial.
func (c *connection) setJoin(join []byte) {
	c.mu.Lock()
	c.join = join
	c.mu.Unlock()
}

func (c *connection) writeLoop(conn *ws.Conn, retire <-chan struct{}) {
	for {
		var err error
		select {
		case <-c.done:
			return
		case <-retire:
			return
		case <-c.kick:
			err = c.writeDurable(conn)
		case data := <-c.outbox:
			err = write(conn, data)
		}
		if err != nil {
			c.logger.Warn("Relay write failed", "error", err)
			go c.redial(conn)
			return
		}
	}
}

// writeDurable writes every logged frame conn has not carried yet.
func (c *connection) writeDurable(conn *ws.Conn) error {
	for {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return nil
		}
		var next *durableFrame
		for i := range c.unacked {
			if c.unacked[i].seq > c.written {
				next = &c.unacked[i]
				break
			}
		}
		if next == nil {
			c.mu.Unlock()
			return nil
		}
		seq, data := next.seq, next.data
		c.mu.Unlock()

		if err := write(conn, data); err != nil {
			return err
		}

		c.mu.Lock()
		if c.conn == conn && seq > c.written {
			c.written = seq
		}
		c.mu.Unlock()
	}
}

func write(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("Relay read failed", "error", err)
			go c.redial(conn)
			return
		}
		c.onMessage(message)
	}
}

func (c *connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// detach retires failed if it is still current. Only the first caller for
// a given socket gets true.
func (c *connection) detach(failed *ws.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != failed {
		return false
	}
	_ = c.conn.Close()
	c.conn = nil
	close(c.retire)
	c.retire = nil
	return true
}

// redial replaces failed with a new socket, backing off exponentially
// between attempts until it succeeds or the connection is closed. The relay
// answers the replayed join with a welcome that reseeds the replica.
func (c *connection) redial(failed *ws.Conn) {
	if !c.detach(failed) {
		return
	}
	c.onState(false)

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		c.logger.Info("Reconnecting to relay", "attempt", attempt, "backoff", delay)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		conn, err := c.handshake()
		if err != nil {
			if attempt == redialAttempts {
				c.logger.Error("Relay still unreachable, retrying until closed", "attempts", attempt, "error", err)
			} else {
				c.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			}
			delay = min(delay*2, maxBackoff)
			continue
		}
		if c.attach(conn) {
			c.logger.Info("Relay reconnected", "attempt", attempt)
		}
		return
	}
}

// send queues data for the writer, dropping it when the outbox is full.
func (c *connection) send(data []byte) {
	select {
	case c.outbox <- data:
	default:
		c.logger.Warn("Relay outbox full, dropping message")
	}
}

// sendDurable numbers a frame with the next client seq and logs it until
// acknowledged. encode builds the frame for that seq.
func (c *connection) sendDurable(encode func(seq uint64) ([]byte, error)) error {
	c.mu.Lock()
	seq := c.lastSeq + 1
	data, err := encode(seq)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastSeq = seq
	c.unacked = append(c.unacked, durableFrame{seq: seq, data: data})
	c.mu.Unlock()
	c.poke()
	return nil
}

// ack forgets every logged frame up to seq.
func (c *connection) ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(c.unacked) && c.unacked[n].seq <= seq {
		n++
	}
	if n > 0 {
		c.unacked = append(c.unacked[:0], c.unacked[n:]...)
	}
}

// inFlight returns how many durable frames await acknowledgement.
func (c *connection) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

func (c *connection) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// close says goodbye with a close frame and stops every goroutine.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.retire = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}
