package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

// room is the sequencer of one session. It stays resident once opened so
// reconnecting clients resume against the same sequence.
type room struct {
	id    string
	srv   *Server
	attrs metric.MeasurementOption

	mu        sync.Mutex
	canonical *substrate.Replica
	seq       uint64
	peers     []*peer
	// highest client seq taken from each stream, kept across reconnects
	acked map[string]uint64
}

func newRoom(srv *Server, id string, state core.SessionState) *room {
	r := &room{
		id:        id,
		srv:       srv,
		attrs:     metric.WithAttributes(attribute.String("session", id)),
		canonical: substrate.NewReplica(),
		acked:     make(map[string]uint64),
	}
	r.canonical.Seed(state.Shapes, state.Counter, 0)
	return r
}

// join admits p under the requested identity and queues its welcome. It
// runs before p's write pump starts. A requested client id is kept
// when no connected peer holds it, so a reconnecting client stays the same
// member; otherwise a fresh one is assigned.
func (r *room) join(p *peer, requested core.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	member := requested
	if member.UserID == "" {
		member.UserID = uuid.NewString()
	}
	if member.ClientID == "" || r.holds(member.ClientID) {
		member.ClientID = uuid.NewString()
	}
	p.member = member
	p.logger = p.logger.With("client", member.ClientID)

	roster := make([]core.Member, 0, len(r.peers)+1)
	roster = append(roster, member)
	for _, other := range r.peers {
		roster = append(roster, other.member)
	}

	welcome, err := streaming.Encode(streaming.TypeWelcome, streaming.WelcomePayload{
		ClientID: member.ClientID,
		Seq:      r.seq,
		Counter:  r.canonical.Counter(),
		Shapes:   r.canonical.All(),
		Members:  roster,
		Acked:    r.acked[p.stream],
	})
	if err != nil {
		return err
	}
	if !p.enqueue(welcome, true) {
		return errors.New("welcome not accepted")
	}

	joined, err := streaming.Encode(streaming.TypeMemberJoined, streaming.MemberPayload{Member: member})
	if err != nil {
		return err
	}
	r.broadcastLocked(joined)
	r.peers = append(r.peers, p)

	r.srv.peersConnected.Add(context.Background(), 1, r.attrs)
	return nil
}

func (r *room) holds(clientID string) bool {
	for _, p := range r.peers {
		if p.member.ClientID == clientID {
			return true
		}
	}
	return false
}

// leave removes p and announces it. It is a no-op for a peer already gone.
func (r *room) leave(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, other := range r.peers {
		if other == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.peers = append(r.peers[:idx], r.peers[idx+1:]...)

	left, err := streaming.Encode(streaming.TypeMemberLeft, streaming.MemberPayload{Member: p.member})
	if err == nil {
		r.broadcastLocked(left)
	}
	r.srv.peersConnected.Add(context.Background(), -1, r.attrs)
}

// submit sequences one durable write. clientSeq numbers it within the
// peer's stream; a number already taken is a replay after reconnect and is
// ignored. A write to a missing shape still consumes its sequence number
// and is echoed only to its origin, whose replica drops it as well.
func (r *room) submit(p *peer, clientSeq uint64, op streaming.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientSeq != 0 && p.stream != "" {
		if clientSeq <= r.acked[p.stream] {
			p.logger.Debug("Ignored replayed write", "clientSeq", clientSeq)
			return nil
		}
		r.acked[p.stream] = clientSeq
	}
	if err := validate(op); err != nil {
		return err
	}
	if err := substrate.CheckOrigin(op, p.member); err != nil {
		return err
	}

	r.seq++
	seq := r.seq
	change, ok, err := r.canonical.Apply(seq, op)
	if err != nil {
		return err
	}

	data, err := streaming.Encode(streaming.TypeOp, streaming.OpPayload{
		Seq:       seq,
		Origin:    p.member.ClientID,
		ClientSeq: clientSeq,
		Op:        op,
	})
	if err != nil {
		return err
	}
	if !ok {
		r.srv.stats.droppedWrites.Add(1)
		p.logger.Debug("Dropped write to missing shape", "kind", op.Kind, "id", op.ID, "field", op.Field)
		p.enqueue(data, true)
		return nil
	}

	r.broadcastLocked(data)
	r.srv.stats.ops.Add(1)
	r.srv.opsSequenced.Add(context.Background(), 1, r.attrs)

	if change.Kind == substrate.Deleted {
		r.srv.persistDelete(r.id, change.Key)
	} else if rec, ok := r.canonical.Get(change.Key); ok {
		r.srv.persistShape(r.id, rec)
	}
	return nil
}

// increment assigns the next counter value. Every peer receives it as a
// counter op; only the origin's copy carries the request id.
func (r *room) increment(p *peer, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	value := r.canonical.Increment()
	r.seq++
	payload := streaming.OpPayload{Seq: r.seq, Origin: p.member.ClientID, Op: streaming.CounterOp(value)}

	shared, err := streaming.Encode(streaming.TypeOp, payload)
	if err != nil {
		return err
	}
	payload.RequestID = requestID
	reply, err := streaming.Encode(streaming.TypeOp, payload)
	if err != nil {
		return err
	}

	for _, other := range r.peers {
		if other == p {
			other.enqueue(reply, true)
		} else {
			other.enqueue(shared, true)
		}
	}
	r.srv.stats.ops.Add(1)
	r.srv.opsSequenced.Add(context.Background(), 1, r.attrs)
	r.srv.persistCounter(r.id, value)
	return nil
}

// signal fans a transient message out to every peer, origin included.
// Deliveries that find a full send buffer are dropped.
func (r *room) signal(p *peer, topic string, payload []byte) error {
	data, err := streaming.Encode(streaming.TypeSignal, streaming.SignalPayload{
		Origin:  p.member.ClientID,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.srv.stats.signals.Add(1)
	r.srv.signalsSent.Add(context.Background(), 1, r.attrs)
	for _, other := range r.peers {
		if !other.enqueue(data, false) {
			r.srv.stats.signalsDropped.Add(1)
			r.srv.signalsDropped.Add(context.Background(), 1, r.attrs)
		}
	}
	return nil
}

func (r *room) broadcastLocked(data []byte) {
	for _, p := range r.peers {
		p.enqueue(data, true)
	}
}

func (r *room) disconnectAll() {
	r.mu.Lock()
	peers := make([]*peer, len(r.peers))
	copy(peers, r.peers)
	r.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (r *room) info() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SessionInfo{
		ID:      r.id,
		Live:    true,
		Members: len(r.peers),
		Shapes:  r.canonical.Len(),
		Counter: r.canonical.Counter(),
		Seq:     r.seq,
	}
}

func (r *room) detail() SessionDetail {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster := make([]core.Member, 0, len(r.peers))
	for _, p := range r.peers {
		roster = append(roster, p.member)
	}
	return SessionDetail{
		SessionInfo: SessionInfo{
			ID:      r.id,
			Live:    true,
			Members: len(r.peers),
			Shapes:  r.canonical.Len(),
			Counter: r.canonical.Counter(),
			Seq:     r.seq,
		},
		State: core.SessionState{
			ID:      r.id,
			Shapes:  r.canonical.All(),
			Counter: r.canonical.Counter(),
		},
		Roster: roster,
	}
}

// validate rejects writes no replica could apply before they take a
// sequence number.
func validate(op streaming.Op) error {
	switch op.Kind {
	case streaming.OpCreate:
		if op.Shape == nil {
			return errors.New("create without shape")
		}
		if op.Shape.ID == "" || op.Shape.ID != op.ID {
			return fmt.Errorf("create id %q does not match shape id %q", op.ID, op.Shape.ID)
		}
		if !op.Shape.Kind.Valid() {
			return fmt.Errorf("shape kind %q is not supported", op.Shape.Kind)
		}
		if !op.Shape.Color.Valid() {
			return fmt.Errorf("color %q not in palette", op.Shape.Color)
		}
	case streaming.OpSet:
		if op.ID == "" {
			return errors.New("set without id")
		}
		rec := core.ShapeRecord{}
		if err := substrate.ApplyField(&rec, op.Field, op.Value); err != nil {
			return err
		}
	case streaming.OpDelete:
		if op.ID == "" {
			return errors.New("delete without id")
		}
	case streaming.OpAddUser, streaming.OpRemoveUser:
		if op.ID == "" || op.User == "" {
			return fmt.Errorf("%s needs a shape id and a user", op.Kind)
		}
	case streaming.OpCounter:
		return errors.New("counter values are assigned by the relay")
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}
