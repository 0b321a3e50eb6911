package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/feltcanvas/felt/pkg/core"
)

// Message type constants of the relay protocol.
const (
	TypeJoin         = "join"
	TypeWelcome      = "welcome"
	TypeOp           = "op"
	TypeIncrement    = "increment"
	TypeSignal       = "signal"
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypeError        = "error"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OpKind names the durable operations the sequencer orders.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpSet     OpKind = "set"
	OpDelete  OpKind = "delete"
	OpCounter OpKind = "counter"

	// OpAddUser and OpRemoveUser edit one element of a shape's users so
	// concurrent presence edits from different clients all survive.
	OpAddUser    OpKind = "add_user"
	OpRemoveUser OpKind = "remove_user"
)

// Op is one durable write. Which of Shape, Field/Value, User or Counter is
// meaningful depends on Kind.
type Op struct {
	Kind    OpKind            `json:"kind"`
	ID      string            `json:"id,omitempty"`
	User    string            `json:"user,omitempty"`
	Field   string            `json:"field,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Shape   *core.ShapeRecord `json:"shape,omitempty"`
	Counter int64             `json:"counter,omitempty"`
}

// CreateOp builds an insert of a full record.
func CreateOp(rec core.ShapeRecord) Op {
	rec = rec.Clone()
	return Op{Kind: OpCreate, ID: rec.ID, Shape: &rec}
}

// SetOp builds a field write. The value is encoded once here; every replica
// decodes the same bytes.
func SetOp(id, field string, value any) (Op, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Op{}, fmt.Errorf("encoding %s of %s: %w", field, id, err)
	}
	return Op{Kind: OpSet, ID: id, Field: field, Value: raw}, nil
}

// DeleteOp builds a removal.
func DeleteOp(id string) Op {
	return Op{Kind: OpDelete, ID: id}
}

// AddUserOp adds userID to the users of shape id.
func AddUserOp(id, userID string) Op {
	return Op{Kind: OpAddUser, ID: id, User: userID}
}

// RemoveUserOp removes userID from the users of shape id.
func RemoveUserOp(id, userID string) Op {
	return Op{Kind: OpRemoveUser, ID: id, User: userID}
}

// CounterOp carries a value assigned by the sequencer's counter.
func CounterOp(value int64) Op {
	return Op{Kind: OpCounter, Counter: value}
}

// JoinPayload is the first message a client sends. Stream identifies the
// client's op numbering across reconnects.
type JoinPayload struct {
	Session string      `json:"session"`
	Member  core.Member `json:"member"`
	Stream  string      `json:"stream,omitempty"`
}

// WelcomePayload seeds a joining client with the sequenced state.
type WelcomePayload struct {
	ClientID string             `json:"clientId"`
	Seq      uint64             `json:"seq"`
	Counter  int64              `json:"counter"`
	Shapes   []core.ShapeRecord `json:"shapes"`
	Members  []core.Member      `json:"members"`
	// Acked is the highest client seq of the join's stream already
	// sequenced. Ops at or below it must not be resent.
	Acked uint64 `json:"acked,omitempty"`
}

// OpRequest is a client's durable write submission. ClientSeq numbers the
// client's ops within its stream; the relay sequences each number once.
type OpRequest struct {
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	Op        Op     `json:"op"`
}

// IncrementRequest asks the sequencer for the next counter value.
type IncrementRequest struct {
	RequestID string `json:"requestId"`
}

// OpPayload is a sequenced op as delivered to every client.
// RequestID is set only on counter ops, for the requesting client.
// ClientSeq echoes the origin's numbering of the op.
type OpPayload struct {
	Seq       uint64 `json:"seq"`
	Origin    string `json:"origin"`
	RequestID string `json:"requestId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	Op        Op     `json:"op"`
}

// SignalPayload is a transient broadcast. Origin is filled in by the relay.
type SignalPayload struct {
	Origin  string          `json:"origin,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// MemberPayload announces a roster change.
type MemberPayload struct {
	Member core.Member `json:"member"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	For     string `json:"for"`
	Message string `json:"message"`
}

// Encode marshals a payload into an envelope of the given type.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode unmarshals an envelope payload into v.
func Decode(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return nil
}
