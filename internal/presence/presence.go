// Package presence tracks which users have a shape selected. The list laws
// (Add, Remove, ShouldShow) are pure. Tracker writes single-element add and
// remove ops, so concurrent edits from different clients never overwrite
// each other; every replica applies the same laws in sequence order.
package presence

import (
	"log/slog"

	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/pkg/core"
)

// Contains reports whether userID is in users.
func Contains(users []string, userID string) bool { return core.HasUser(users, userID) }

// Add returns users with userID appended, or users unchanged if present.
func Add(users []string, userID string) []string { return core.WithUser(users, userID) }

// Remove returns users without any occurrence of userID.
func Remove(users []string, userID string) []string { return core.WithoutUser(users, userID) }

// ShouldShow reports whether someone other than self is present.
func ShouldShow(users []string, self string) bool {
	for _, u := range users {
		if u != self {
			return true
		}
	}
	return false
}

// Others counts entries that are not self.
func Others(users []string, self string) int {
	n := 0
	for _, u := range users {
		if u != self {
			n++
		}
	}
	return n
}

// Tracker applies presence changes to shapes in the collection.
type Tracker struct {
	shapes substrate.Collection
	logger *slog.Logger
}

// NewTracker creates a tracker bound to a collection.
func NewTracker(shapes substrate.Collection, logger *slog.Logger) *Tracker {
	return &Tracker{shapes: shapes, logger: logger}
}

// AddUser adds userID to the shape's users. No-op if the local copy
// already lists it or the shape is gone.
func (t *Tracker) AddUser(shapeID, userID string) {
	rec, ok := t.shapes.Get(shapeID)
	if !ok {
		t.logger.Debug("AddUser on missing shape", "shape", shapeID)
		return
	}
	if Contains(rec.Users, userID) {
		return
	}
	t.shapes.AddUser(shapeID, userID)
}

// RemoveUser removes userID. No-op if the local copy does not list it.
func (t *Tracker) RemoveUser(shapeID, userID string) {
	rec, ok := t.shapes.Get(shapeID)
	if !ok {
		t.logger.Debug("RemoveUser on missing shape", "shape", shapeID)
		return
	}
	if !Contains(rec.Users, userID) {
		return
	}
	t.shapes.RemoveUser(shapeID, userID)
}

// Claim adds userID even when the local copy already lists it. The local
// copy may not reflect removals still in flight.
func (t *Tracker) Claim(shapeID, userID string) {
	if _, ok := t.shapes.Get(shapeID); !ok {
		return
	}
	t.shapes.AddUser(shapeID, userID)
}

// Release is the removal counterpart of Claim.
func (t *Tracker) Release(shapeID, userID string) {
	if _, ok := t.shapes.Get(shapeID); !ok {
		return
	}
	t.shapes.RemoveUser(shapeID, userID)
}

// ShouldShowPresence reports whether the presence affordance applies for self.
func (t *Tracker) ShouldShowPresence(shapeID, self string) bool {
	rec, ok := t.shapes.Get(shapeID)
	if !ok {
		return false
	}
	return ShouldShow(rec.Users, self)
}

// SweepDepartedUser removes userID from every shape that lists it and
// returns the number of shapes written.
func (t *Tracker) SweepDepartedUser(userID string) int {
	n := 0
	for _, rec := range t.shapes.All() {
		if Contains(rec.Users, userID) {
			t.shapes.RemoveUser(rec.ID, userID)
			n++
		}
	}
	if n > 0 {
		t.logger.Debug("Swept presence", "user", userID, "shapes", n)
	}
	return n
}
