package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextKind_Cycles(t *testing.T) {
	assert.Equal(t, Square, NextKind(Circle))
	assert.Equal(t, Triangle, NextKind(Square))
	assert.Equal(t, Rectangle, NextKind(Triangle))
	assert.Equal(t, Circle, NextKind(Rectangle))
	assert.Equal(t, Circle, NextKind("HEXAGON"))
}

func TestNextColor_Cycles(t *testing.T) {
	c := Red
	seen := []Color{c}
	for i := 0; i < len(Palette); i++ {
		c = NextColor(c)
		seen = append(seen, c)
	}
	assert.Equal(t, []Color{Red, Green, Blue, Orange, Purple, Red}, seen)
	assert.Equal(t, Red, NextColor("PINK"))
}

func TestColor_Hex(t *testing.T) {
	assert.Equal(t, uint32(0xFF0000), Red.Hex())
	assert.Equal(t, uint32(0x009A44), Green.Hex())
	assert.Equal(t, uint32(0), Color("PINK").Hex())
	assert.True(t, Purple.Valid())
	assert.False(t, Color("PINK").Valid())
}

func TestShapeKind_Valid(t *testing.T) {
	for _, k := range ShapeKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, ShapeKind("").Valid())
}

func TestShapeRecord_CloneDoesNotShareUsers(t *testing.T) {
	r := ShapeRecord{ID: "a", Users: []string{"u1"}}
	c := r.Clone()
	c.Users[0] = "u2"
	assert.Equal(t, "u1", r.Users[0])

	empty := ShapeRecord{ID: "b"}.Clone()
	assert.NotNil(t, empty.Users)
	assert.Empty(t, empty.Users)
}

func TestUserList(t *testing.T) {
	users := []string{"a", "b"}

	assert.Equal(t, []string{"a", "b", "c"}, WithUser(users, "c"))
	assert.Equal(t, []string{"a", "b"}, WithUser(users, "a"))
	assert.Equal(t, []string{"b"}, WithoutUser(users, "a"))
	assert.Equal(t, []string{"a", "b"}, users)
	assert.Empty(t, WithoutUser(nil, "a"))

	_, dup := DuplicateUser(users)
	assert.False(t, dup)
	u, dup := DuplicateUser([]string{"a", "b", "a"})
	assert.True(t, dup)
	assert.Equal(t, "a", u)
}
