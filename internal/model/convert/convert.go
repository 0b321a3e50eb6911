// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"

	"github.com/feltcanvas/felt/internal/geo"
	"github.com/feltcanvas/felt/internal/model"
	"github.com/feltcanvas/felt/pkg/core"
	"gorm.io/datatypes"
)

// usersToJSON converts a presence list to datatypes.JSON for DB storage.
func usersToJSON(users []string) datatypes.JSON {
	if len(users) == 0 {
		return datatypes.JSON("[]")
	}
	data, _ := json.Marshal(users)
	return datatypes.JSON(data)
}

// jsonToUsers decodes a stored presence list. Invalid JSON yields an empty list.
func jsonToUsers(raw datatypes.JSON) []string {
	users := []string{}
	if len(raw) == 0 {
		return users
	}
	if err := json.Unmarshal(raw, &users); err != nil {
		return []string{}
	}
	return users
}

// CoreToShape converts a core.ShapeRecord of sessionID to a GORM model.Shape.
func CoreToShape(sessionID string, rec core.ShapeRecord) model.Shape {
	return model.Shape{
		SessionID: sessionID,
		ShapeID:   rec.ID,
		Kind:      string(rec.Kind),
		Color:     string(rec.Color),
		Z:         rec.Z,
		Position:  geo.PointFromPosition(rec.Position),
		Users:     usersToJSON(rec.Users),
	}
}

// ShapeToCore converts a GORM model.Shape back to a core.ShapeRecord.
func ShapeToCore(row model.Shape) core.ShapeRecord {
	return core.ShapeRecord{
		ID:       row.ShapeID,
		Position: geo.PositionFromPoint(row.Position),
		Kind:     core.ShapeKind(row.Kind),
		Color:    core.Color(row.Color),
		Z:        row.Z,
		Users:    jsonToUsers(row.Users),
	}
}

// SessionToCore assembles a core.SessionState from its rows.
func SessionToCore(session model.Session, rows []model.Shape) core.SessionState {
	state := core.SessionState{
		ID:        session.ID,
		Counter:   session.Counter,
		UpdatedAt: session.UpdatedAt,
		Shapes:    make([]core.ShapeRecord, 0, len(rows)),
	}
	for _, row := range rows {
		state.Shapes = append(state.Shapes, ShapeToCore(row))
	}
	return state
}
