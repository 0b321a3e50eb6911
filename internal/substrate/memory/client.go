package memory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/queue"
	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

type signalEvent struct {
	clientID string
	local    bool
	payload  []byte
}

// Client is one joined participant. It implements substrate.Session.
type Client struct {
	svc     *Service
	self    core.Member
	loop    *dispatcher.Dispatcher
	replica *substrate.Replica
	inbox   *queue.Queue[delivery]
	logger  *slog.Logger

	// guarded by svc.mu
	closed bool

	mu             sync.Mutex
	members        []core.Member
	maxIncremented int64
	signals        map[string]*substrate.Listeners[signalEvent]

	changes        substrate.Listeners[[]substrate.Change]
	memberRemoved  substrate.Listeners[core.Member]
	membersChanged substrate.Listeners[struct{}]
}

var _ substrate.Session = (*Client)(nil)

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

// Connected reports whether the client is still part of the session.
func (c *Client) Connected() bool {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return !c.closed
}

// Close leaves the session. Remaining clients receive a member-left event.
func (c *Client) Close() error {
	c.svc.leave(c)
	return nil
}

func (c *Client) registerHandlers() {
	c.loop.Register(substrate.CommandOp, c.handleOp)
	c.loop.Register(substrate.CommandSignal, c.handleSignal, dispatcher.Droppable())
	c.loop.Register(substrate.CommandMember, c.handleMember)
}

func (c *Client) deliver(d delivery) {
	var command string
	switch d.kind {
	case deliverOp:
		command = substrate.CommandOp
	case deliverSignal:
		command = substrate.CommandSignal
	default:
		command = substrate.CommandMember
	}
	if _, err := c.loop.Dispatch(dispatcher.Event{Command: command, Payload: d}); err != nil {
		c.logger.Debug("Delivery not accepted", "command", command, "error", err)
	}
}

func (c *Client) handleOp(e dispatcher.Event) (any, error) {
	d, ok := e.Payload.(delivery)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	change, applied, err := c.replica.Apply(d.seq, d.op)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	change.Local = d.origin == c.self.ClientID
	c.changes.Emit([]substrate.Change{change})
	return change, nil
}

func (c *Client) handleSignal(e dispatcher.Event) (any, error) {
	d, ok := e.Payload.(delivery)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	c.mu.Lock()
	l := c.signals[d.topic]
	c.mu.Unlock()
	if l != nil {
		l.Emit(signalEvent{clientID: d.origin, local: d.origin == c.self.ClientID, payload: d.payload})
	}
	return nil, nil
}

func (c *Client) handleMember(e dispatcher.Event) (any, error) {
	d, ok := e.Payload.(delivery)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}

	c.mu.Lock()
	switch d.kind {
	case deliverMemberJoined:
		c.members = append(c.members, d.member)
	case deliverMemberLeft:
		for i, m := range c.members {
			if m.ClientID == d.member.ClientID {
				c.members = append(c.members[:i], c.members[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if d.kind == deliverMemberLeft {
		c.memberRemoved.Emit(d.member)
	}
	c.membersChanged.Emit(struct{}{})
	return nil, nil
}

type collection struct{ c *Client }

func (col collection) Create(rec core.ShapeRecord) {
	if rec.Users == nil {
		rec.Users = []string{}
	}
	col.c.svc.submit(col.c, streaming.CreateOp(rec))
}

func (col collection) Set(id, field string, value any) {
	op, err := streaming.SetOp(id, field, value)
	if err != nil {
		col.c.logger.Warn("Failed to encode write", "id", id, "field", field, "error", err)
		return
	}
	col.c.svc.submit(col.c, op)
}

func (col collection) Delete(id string) {
	col.c.svc.submit(col.c, streaming.DeleteOp(id))
}

func (col collection) AddUser(id, userID string) {
	col.c.svc.submit(col.c, streaming.AddUserOp(id, userID))
}

func (col collection) RemoveUser(id, userID string) {
	col.c.svc.submit(col.c, streaming.RemoveUserOp(id, userID))
}

func (col collection) Get(id string) (core.ShapeRecord, bool) { return col.c.replica.Get(id) }
func (col collection) All() []core.ShapeRecord                { return col.c.replica.All() }
func (col collection) Len() int                               { return col.c.replica.Len() }

func (col collection) OnChange(fn func([]substrate.Change)) func() {
	return col.c.changes.Add(fn)
}

type counter struct{ c *Client }

func (k counter) Increment() int64 {
	v := k.c.svc.increment(k.c)
	k.c.mu.Lock()
	if v > k.c.maxIncremented {
		k.c.maxIncremented = v
	}
	k.c.mu.Unlock()
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
	sg.c.svc.signal(sg.c, topic, payload)
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

func (a audience) Myself() core.Member { return a.c.self }

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
