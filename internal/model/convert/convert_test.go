package convert

import (
	"testing"
	"time"

	"github.com/feltcanvas/felt/internal/model"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestCoreToShape(t *testing.T) {
	rec := core.ShapeRecord{
		ID:       "s1",
		Position: core.Position{X: 120, Y: 340},
		Kind:     core.Triangle,
		Color:    core.Orange,
		Z:        7,
		Users:    []string{"u1", "u2"},
	}

	row := CoreToShape("team", rec)

	assert.Equal(t, "team", row.SessionID)
	assert.Equal(t, "s1", row.ShapeID)
	assert.Equal(t, "TRIANGLE", row.Kind)
	assert.Equal(t, "ORANGE", row.Color)
	assert.Equal(t, int64(7), row.Z)
	assert.JSONEq(t, `["u1","u2"]`, string(row.Users))

	xy, ok := row.Position.XY()
	require.True(t, ok)
	assert.Equal(t, 120.0, xy.X)
	assert.Equal(t, 340.0, xy.Y)
}

func TestCoreToShape_NoUsers(t *testing.T) {
	row := CoreToShape("team", core.ShapeRecord{ID: "s1"})
	assert.Equal(t, "[]", string(row.Users))
}

func TestShapeToCore_RoundTrip(t *testing.T) {
	rec := core.ShapeRecord{
		ID:       "s1",
		Position: core.Position{X: 60, Y: 60},
		Kind:     core.Circle,
		Color:    core.Red,
		Z:        1,
		Users:    []string{"u1"},
	}

	assert.Equal(t, rec, ShapeToCore(CoreToShape("team", rec)))
}

func TestShapeToCore_BadUsers(t *testing.T) {
	rec := ShapeToCore(model.Shape{ShapeID: "s1", Users: datatypes.JSON("{not json")})
	assert.Equal(t, []string{}, rec.Users)
	assert.Equal(t, core.Position{}, rec.Position)
}

func TestSessionToCore(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := SessionToCore(
		model.Session{ID: "team", Counter: 9, UpdatedAt: updated},
		[]model.Shape{
			CoreToShape("team", core.ShapeRecord{ID: "a", Z: 1}),
			CoreToShape("team", core.ShapeRecord{ID: "b", Z: 9}),
		},
	)

	assert.Equal(t, "team", state.ID)
	assert.Equal(t, int64(9), state.Counter)
	assert.Equal(t, updated, state.UpdatedAt)
	require.Len(t, state.Shapes, 2)
	assert.Equal(t, "b", state.Shapes[1].ID)
}
