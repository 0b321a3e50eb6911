// Package wsclient implements the substrate contract against a relay over
// WebSocket. The relay sequences every durable write; the client keeps a
// replica built only from what the relay delivers.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

const commandSeed = "wsclient.seed"

// DefaultAckTimeout bounds how long a counter increment waits for the relay.
const DefaultAckTimeout = 10 * time.Second

// ErrWelcomeTimeout is returned by Dial when the relay never answers join.
var ErrWelcomeTimeout = errors.New("timed out waiting for welcome")

// Config holds relay connection settings.
type Config struct {
	URL        string
	Secret     string
	Session    string
	Member     core.Member
	AckTimeout time.Duration
	// ReconnectBackoff is the first reconnect delay. Defaults to one second.
	ReconnectBackoff time.Duration
}

type signalEvent struct {
	clientID string
	local    bool
	payload  []byte
}

type memberEvent struct {
	left   bool
	member core.Member
}

type seedEvent struct {
	changes []substrate.Change
}

// Client is a joined relay session. It implements substrate.Session.
type Client struct {
	cfg     Config
	stream  string
	conn    *connection
	loop    *dispatcher.Dispatcher
	replica *substrate.Replica
	logger  *slog.Logger

	welcomed    chan struct{}
	welcomeOnce sync.Once

	mu             sync.Mutex
	self           core.Member
	members        []core.Member
	connected      bool
	maxIncremented int64
	waiters        map[string]chan int64
	signals        map[string]*substrate.Listeners[signalEvent]

	changes        substrate.Listeners[[]substrate.Change]
	memberRemoved  substrate.Listeners[core.Member]
	membersChanged substrate.Listeners[struct{}]
	status         substrate.Listeners[bool]
}

var _ substrate.Session = (*Client)(nil)

// Dial connects to the relay, joins the session and waits for the welcome.
// Deliveries run on loop; a nil loop runs them on the read goroutine.
func Dial(ctx context.Context, cfg Config, loop *dispatcher.Dispatcher, logger *slog.Logger) (*Client, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Member.UserID == "" {
		cfg.Member.UserID = uuid.NewString()
	}
	if loop == nil {
		var err error
		loop, err = dispatcher.New(logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:      cfg,
		stream:   uuid.NewString(),
		loop:     loop,
		replica:  substrate.NewReplica(),
		logger:   logger.With("session", cfg.Session, "user", cfg.Member.UserID),
		welcomed: make(chan struct{}),
		self:     cfg.Member,
		waiters:  make(map[string]chan int64),
		signals:  make(map[string]*substrate.Listeners[signalEvent]),
	}
	c.conn = newConnection(c.logger, c.handleMessage, c.setConnected)
	if cfg.ReconnectBackoff > 0 {
		c.conn.backoff = cfg.ReconnectBackoff
	}
	c.registerHandlers()

	join, err := c.joinMessage()
	if err != nil {
		return nil, err
	}
	if err := c.conn.dial(cfg.URL, cfg.Secret, join); err != nil {
		return nil, err
	}

	timer := time.NewTimer(cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-c.welcomed:
		return c, nil
	case <-timer.C:
		_ = c.conn.close()
		return nil, ErrWelcomeTimeout
	case <-ctx.Done():
		_ = c.conn.close()
		return nil, ctx.Err()
	}
}

// Shapes returns the shared shape collection.
func (c *Client) Shapes() substrate.Collection { return collection{c} }

// MaxZ returns the shared z counter.
func (c *Client) MaxZ() substrate.Counter { return counter{c} }

// Signals returns the transient channel.
func (c *Client) Signals() substrate.Signaler { return signaler{c} }

// Audience returns the roster view of this client.
func (c *Client) Audience() substrate.Audience { return audience{c} }

// Loop returns the dispatcher deliveries run on.
func (c *Client) Loop() *dispatcher.Dispatcher { return c.loop }

// Connected reports whether the relay connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnStatus registers fn for connection state changes.
func (c *Client) OnStatus(fn func(connected bool)) (unsubscribe func()) {
	return c.status.Add(fn)
}

// Close leaves the session.
func (c *Client) Close() error {
	c.setConnected(false)
	return c.conn.close()
}

func (c *Client) joinMessage() ([]byte, error) {
	c.mu.Lock()
	member := c.self
	c.mu.Unlock()
	return streaming.Encode(streaming.TypeJoin, streaming.JoinPayload{
		Session: c.cfg.Session,
		Member:  member,
		Stream:  c.stream,
	})
}

func (c *Client) setConnected(on bool) {
	c.mu.Lock()
	changed := c.connected != on
	c.connected = on
	c.mu.Unlock()
	if changed {
		c.logger.Info("Relay connection changed", "connected", on)
		c.status.Emit(on)
	}
}

func (c *Client) registerHandlers() {
	c.loop.Register(substrate.CommandOp, c.handleOp)
	c.loop.Register(substrate.CommandSignal, c.handleSignal, dispatcher.Droppable())
	c.loop.Register(substrate.CommandMember, c.handleMember)
	c.loop.Register(commandSeed, c.handleSeed)
}

// handleMessage runs on the read goroutine. Welcomes and counter replies
// are handled here; everything else is dispatched to the loop.
func (c *Client) handleMessage(data []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("Malformed relay message", "error", err)
		return
	}

	switch env.Type {
	case streaming.TypeWelcome:
		c.handleWelcome(env)
	case streaming.TypeOp:
		var p streaming.OpPayload
		if err := streaming.Decode(env, &p); err != nil {
			c.logger.Warn("Bad op", "error", err)
			return
		}
		if p.RequestID != "" {
			c.resolve(p.RequestID, p.Op.Counter)
		}
		if p.ClientSeq != 0 && p.Origin == c.clientID() {
			c.conn.ack(p.ClientSeq)
		}
		c.dispatch(substrate.CommandOp, p)
	case streaming.TypeSignal:
		var p streaming.SignalPayload
		if err := streaming.Decode(env, &p); err != nil {
			c.logger.Debug("Bad signal", "error", err)
			return
		}
		c.dispatch(substrate.CommandSignal, p)
	case streaming.TypeMemberJoined, streaming.TypeMemberLeft:
		var p streaming.MemberPayload
		if err := streaming.Decode(env, &p); err != nil {
			c.logger.Warn("Bad member event", "error", err)
			return
		}
		c.dispatch(substrate.CommandMember, memberEvent{left: env.Type == streaming.TypeMemberLeft, member: p.Member})
	case streaming.TypeError:
		var p streaming.ErrorPayload
		if err := streaming.Decode(env, &p); err == nil {
			c.logger.Warn("Relay rejected request", "for", p.For, "message", p.Message)
		}
	default:
		c.logger.Debug("Unknown relay message", "type", env.Type)
	}
}

func (c *Client) handleWelcome(env streaming.Envelope) {
	var w streaming.WelcomePayload
	if err := streaming.Decode(env, &w); err != nil {
		c.logger.Error("Bad welcome", "error", err)
		return
	}

	changes := c.replica.Seed(w.Shapes, w.Counter, w.Seq)
	c.conn.ack(w.Acked)

	c.mu.Lock()
	c.self.ClientID = w.ClientID
	c.members = w.Members
	c.mu.Unlock()

	// Rejoin with the same client id after a reconnect.
	if join, err := c.joinMessage(); err == nil {
		c.conn.setJoin(join)
	}

	c.logger.Debug("Welcomed", "client", w.ClientID, "seq", w.Seq, "shapes", len(w.Shapes), "members", len(w.Members))
	c.setConnected(true)
	c.welcomeOnce.Do(func() { close(c.welcomed) })
	c.dispatch(commandSeed, seedEvent{changes: changes})
}

func (c *Client) dispatch(command string, payload any) {
	if _, err := c.loop.Dispatch(dispatcher.Event{Command: command, Payload: payload, Timestamp: time.Now()}); err != nil {
		c.logger.Debug("Delivery not accepted", "command", command, "error", err)
	}
}

func (c *Client) handleSeed(e dispatcher.Event) (any, error) {
	ev, ok := e.Payload.(seedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	if len(ev.changes) > 0 {
		c.changes.Emit(ev.changes)
	}
	c.membersChanged.Emit(struct{}{})
	return nil, nil
}

func (c *Client) handleOp(e dispatcher.Event) (any, error) {
	p, ok := e.Payload.(streaming.OpPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	change, applied, err := c.replica.Apply(p.Seq, p.Op)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	change.Local = p.Origin == c.clientID()
	c.changes.Emit([]substrate.Change{change})
	return change, nil
}

func (c *Client) handleSignal(e dispatcher.Event) (any, error) {
	p, ok := e.Payload.(streaming.SignalPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	c.mu.Lock()
	l := c.signals[p.Topic]
	c.mu.Unlock()
	if l != nil {
		l.Emit(signalEvent{clientID: p.Origin, local: p.Origin == c.clientID(), payload: p.Payload})
	}
	return nil, nil
}

func (c *Client) handleMember(e dispatcher.Event) (any, error) {
	ev, ok := e.Payload.(memberEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}

	c.mu.Lock()
	if ev.left {
		for i, m := range c.members {
			if m.ClientID == ev.member.ClientID {
				c.members = append(c.members[:i], c.members[i+1:]...)
				break
			}
		}
	} else {
		c.members = append(c.members, ev.member)
	}
	c.mu.Unlock()

	if ev.left {
		c.memberRemoved.Emit(ev.member)
	}
	c.membersChanged.Emit(struct{}{})
	return nil, nil
}

func (c *Client) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.ClientID
}

func (c *Client) resolve(requestID string, value int64) {
	c.mu.Lock()
	ch, ok := c.waiters[requestID]
	delete(c.waiters, requestID)
	c.mu.Unlock()
	if ok {
		ch <- value
	}
}

func (c *Client) send(msgType string, payload any) {
	data, err := streaming.Encode(msgType, payload)
	if err != nil {
		c.logger.Warn("Failed to encode message", "type", msgType, "error", err)
		return
	}
	c.conn.send(data)
}

// submit logs op as a durable write; it reaches the relay even across
// reconnects.
func (c *Client) submit(op streaming.Op) {
	err := c.conn.sendDurable(func(seq uint64) ([]byte, error) {
		return streaming.Encode(streaming.TypeOp, streaming.OpRequest{ClientSeq: seq, Op: op})
	})
	if err != nil {
		c.logger.Warn("Failed to encode write", "kind", op.Kind, "id", op.ID, "error", err)
	}
}

// InFlight returns how many writes the relay has not acknowledged yet.
func (c *Client) InFlight() int {
	return c.conn.inFlight()
}

type collection struct{ c *Client }

func (col collection) Create(rec core.ShapeRecord) {
	if rec.Users == nil {
		rec.Users = []string{}
	}
	col.c.submit(streaming.CreateOp(rec))
}

func (col collection) Set(id, field string, value any) {
	op, err := streaming.SetOp(id, field, value)
	if err != nil {
		col.c.logger.Warn("Failed to encode write", "id", id, "field", field, "error", err)
		return
	}
	col.c.submit(op)
}

func (col collection) Delete(id string) {
	col.c.submit(streaming.DeleteOp(id))
}

func (col collection) AddUser(id, userID string) {
	col.c.submit(streaming.AddUserOp(id, userID))
}

func (col collection) RemoveUser(id, userID string) {
	col.c.submit(streaming.RemoveUserOp(id, userID))
}

func (col collection) Get(id string) (core.ShapeRecord, bool) { return col.c.replica.Get(id) }
func (col collection) All() []core.ShapeRecord                { return col.c.replica.All() }
func (col collection) Len() int                               { return col.c.replica.Len() }

func (col collection) OnChange(fn func([]substrate.Change)) func() {
	return col.c.changes.Add(fn)
}

type counter struct{ c *Client }

// Increment asks the relay for the next value and waits for the reply.
// When the relay does not answer in time it falls back to one above the
// highest value seen, which other clients may also pick.
func (k counter) Increment() int64 {
	c := k.c
	requestID := uuid.NewString()
	reply := make(chan int64, 1)

	c.mu.Lock()
	c.waiters[requestID] = reply
	c.mu.Unlock()

	c.send(streaming.TypeIncrement, streaming.IncrementRequest{RequestID: requestID})

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	var v int64
	select {
	case v = <-reply:
	case <-timer.C:
		v = k.Value() + 1
		c.logger.Warn("Counter increment timed out, using local value", "value", v)
	case <-c.conn.done:
		v = k.Value() + 1
	}

	c.mu.Lock()
	delete(c.waiters, requestID)
	if v > c.maxIncremented {
		c.maxIncremented = v
	}
	c.mu.Unlock()
	return v
}

// Value is the highest value this client has seen, including its own
// increments that have not been delivered back yet.
func (k counter) Value() int64 {
	v := k.c.replica.Counter()
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	if k.c.maxIncremented > v {
		return k.c.maxIncremented
	}
	return v
}

type signaler struct{ c *Client }

func (sg signaler) Submit(topic string, payload []byte) {
	if !json.Valid(payload) {
		sg.c.logger.Warn("Dropping signal with invalid JSON payload", "topic", topic)
		return
	}
	sg.c.send(streaming.TypeSignal, streaming.SignalPayload{Topic: topic, Payload: payload})
}

func (sg signaler) OnSignal(topic string, fn substrate.SignalListener) func() {
	sg.c.mu.Lock()
	l, ok := sg.c.signals[topic]
	if !ok {
		l = &substrate.Listeners[signalEvent]{}
		sg.c.signals[topic] = l
	}
	sg.c.mu.Unlock()
	return l.Add(func(ev signalEvent) { fn(ev.clientID, ev.local, ev.payload) })
}

type audience struct{ c *Client }

func (a audience) Myself() core.Member {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.c.self
}

func (a audience) Members() []core.Member {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	out := make([]core.Member, len(a.c.members))
	copy(out, a.c.members)
	return out
}

func (a audience) OnMemberRemoved(fn func(core.Member)) func() {
	return a.c.memberRemoved.Add(fn)
}

func (a audience) OnMembersChanged(fn func()) func() {
	return a.c.membersChanged.Add(func(struct{}) { fn() })
}
