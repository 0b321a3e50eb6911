package core

import "time"

// SessionState is the persisted state of one session: its shapes and the
// shared z counter.
type SessionState struct {
	ID        string        `json:"id"`
	Shapes    []ShapeRecord `json:"shapes"`
	Counter   int64         `json:"counter"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Empty reports whether nothing has been stored for the session.
func (s SessionState) Empty() bool {
	return len(s.Shapes) == 0 && s.Counter == 0
}
