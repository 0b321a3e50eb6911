package substrate

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

// Replica is a copy of the sequenced state, built by applying ops in
// sequence order. Sequencers keep the canonical one; every client keeps its own.
type Replica struct {
	mu      sync.RWMutex
	shapes  map[string]core.ShapeRecord
	counter int64
	seq     uint64
}

// NewReplica creates an empty replica.
func NewReplica() *Replica {
	return &Replica{shapes: make(map[string]core.ShapeRecord)}
}

// Seed replaces the whole state and returns the changes relative to the
// previous state, sorted by key. Every change is marked Seed.
func (r *Replica) Seed(shapes []core.ShapeRecord, counter int64, seq uint64) []Change {
	next := make(map[string]core.ShapeRecord, len(shapes))
	for _, s := range shapes {
		next[s.ID] = s.Clone()
	}

	r.mu.Lock()
	prev := r.shapes
	r.shapes = next
	r.counter = counter
	r.seq = seq
	r.mu.Unlock()

	var changes []Change
	for id := range next {
		if _, ok := prev[id]; ok {
			changes = append(changes, Change{Key: id, Kind: Updated, Seed: true})
		} else {
			changes = append(changes, Change{Key: id, Kind: Inserted, Seed: true})
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Key: id, Kind: Deleted, Seed: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// Apply applies one sequenced op. ok is false when the op left the shape
// records untouched: a field write or delete for a missing id, a counter op,
// or a sequence number already applied. seq 0 is never treated as a duplicate.
func (r *Replica) Apply(seq uint64, op streaming.Op) (change Change, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq != 0 {
		if seq <= r.seq {
			return Change{}, false, nil
		}
		r.seq = seq
	}

	switch op.Kind {
	case streaming.OpCreate:
		if op.Shape == nil {
			return Change{}, false, fmt.Errorf("create %s without shape", op.ID)
		}
		rec := op.Shape.Clone()
		kind := Inserted
		if _, exists := r.shapes[rec.ID]; exists {
			kind = Updated
		}
		r.shapes[rec.ID] = rec
		return Change{Key: rec.ID, Kind: kind}, true, nil

	case streaming.OpSet:
		rec, exists := r.shapes[op.ID]
		if !exists {
			return Change{}, false, nil
		}
		if err := ApplyField(&rec, op.Field, op.Value); err != nil {
			return Change{}, false, err
		}
		r.shapes[op.ID] = rec
		return Change{Key: op.ID, Kind: Updated, Field: op.Field}, true, nil

	case streaming.OpAddUser, streaming.OpRemoveUser:
		rec, exists := r.shapes[op.ID]
		if !exists {
			return Change{}, false, nil
		}
		if op.User == "" {
			return Change{}, false, fmt.Errorf("%s on %s without user", op.Kind, op.ID)
		}
		if op.Kind == streaming.OpAddUser {
			rec.Users = core.WithUser(rec.Users, op.User)
		} else {
			rec.Users = core.WithoutUser(rec.Users, op.User)
		}
		r.shapes[op.ID] = rec
		return Change{Key: op.ID, Kind: Updated, Field: core.FieldUsers}, true, nil

	case streaming.OpDelete:
		if _, exists := r.shapes[op.ID]; !exists {
			return Change{}, false, nil
		}
		delete(r.shapes, op.ID)
		return Change{Key: op.ID, Kind: Deleted}, true, nil

	case streaming.OpCounter:
		if op.Counter > r.counter {
			r.counter = op.Counter
		}
		return Change{}, false, nil

	default:
		return Change{}, false, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// Increment bumps the counter and returns the new value. Only sequencers
// call it; clients learn values through counter ops.
func (r *Replica) Increment() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return r.counter
}

// Has reports whether a record with the id exists.
func (r *Replica) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shapes[id]
	return ok
}

// Get returns a copy of the record.
func (r *Replica) Get(id string) (core.ShapeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.shapes[id]
	if !ok {
		return core.ShapeRecord{}, false
	}
	return rec.Clone(), true
}

// All returns copies of every record sorted by id.
func (r *Replica) All() []core.ShapeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ShapeRecord, 0, len(r.shapes))
	for _, rec := range r.shapes {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shapes)
}

// Counter returns the last known counter value.
func (r *Replica) Counter() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counter
}

// Seq returns the last applied sequence number.
func (r *Replica) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// ApplyField decodes raw into the named field of rec.
func ApplyField(rec *core.ShapeRecord, field string, raw json.RawMessage) error {
	switch field {
	case core.FieldPosition:
		var p core.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decoding position: %w", err)
		}
		rec.Position = p
	case core.FieldColor:
		var c core.Color
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decoding color: %w", err)
		}
		if !c.Valid() {
			return fmt.Errorf("color %q not in palette", c)
		}
		rec.Color = c
	case core.FieldZ:
		var z int64
		if err := json.Unmarshal(raw, &z); err != nil {
			return fmt.Errorf("decoding z: %w", err)
		}
		rec.Z = z
	case core.FieldUsers:
		var users []string
		if err := json.Unmarshal(raw, &users); err != nil {
			return fmt.Errorf("decoding users: %w", err)
		}
		if users == nil {
			users = []string{}
		}
		if u, dup := core.DuplicateUser(users); dup {
			return fmt.Errorf("user %q listed twice", u)
		}
		rec.Users = users
	default:
		return fmt.Errorf("field %q is not writable", field)
	}
	return nil
}

// CheckOrigin rejects ops member may not submit. A user can only be added
// to a shape by one of that user's own clients, so no stale view can bring
// back a user who has left. Removals are open to everyone for the sweep.
func CheckOrigin(op streaming.Op, member core.Member) error {
	if op.Kind == streaming.OpAddUser && op.User != member.UserID {
		return fmt.Errorf("user %q cannot add %q", member.UserID, op.User)
	}
	return nil
}
