// Package substrate defines the shared-state contract the canvas engine runs
// on: a sequenced shape collection, a shared counter, a best-effort signaler
// and an audience roster. Implementations deliver every callback on the
// session's event loop.
package substrate

import "github.com/feltcanvas/felt/pkg/core"

// Dispatcher commands implementations register on the session loop to apply
// substrate deliveries.
const (
	CommandOp     = "substrate.op"
	CommandSignal = "substrate.signal"
	CommandMember = "substrate.member"
)

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	Inserted ChangeKind = iota
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change describes one applied write. Local is true when this client
// originated the write. Seed marks changes produced by replacing the whole
// state, as after a reconnect; they carry no field and are never local.
type Change struct {
	Key   string
	Kind  ChangeKind
	Field string
	Local bool
	Seed  bool
}

// Collection is the shared shape store.
type Collection interface {
	Create(rec core.ShapeRecord)
	Set(id, field string, value any)
	Delete(id string)
	// AddUser and RemoveUser edit a single element of a shape's users.
	AddUser(id, userID string)
	RemoveUser(id, userID string)
	Get(id string) (core.ShapeRecord, bool)
	// All returns every record sorted by id.
	All() []core.ShapeRecord
	Len() int
	OnChange(fn func([]Change)) (unsubscribe func())
}

// Counter is the shared monotonically increasing z counter.
type Counter interface {
	// Increment atomically adds one and returns the resulting value.
	Increment() int64
	Value() int64
}

// SignalListener receives a transient signal.
type SignalListener func(clientID string, local bool, payload []byte)

// Signaler is the best-effort broadcast channel. Payloads must be JSON.
type Signaler interface {
	Submit(topic string, payload []byte)
	OnSignal(topic string, fn SignalListener) (unsubscribe func())
}

// Audience is the session roster.
type Audience interface {
	Myself() core.Member
	Members() []core.Member
	OnMemberRemoved(fn func(core.Member)) (unsubscribe func())
	OnMembersChanged(fn func()) (unsubscribe func())
}

// Session bundles the shared objects of one joined client.
type Session interface {
	Shapes() Collection
	MaxZ() Counter
	Signals() Signaler
	Audience() Audience
	Connected() bool
	Close() error
}
