package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&Shape{},
	&RelayStatus{},
}

// Session is one canvas session and its shared z counter.
type Session struct {
	ID        string    `json:"id" gorm:"primaryKey;size:128"`
	Counter   int64     `json:"counter" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (*Session) TableName() string {
	return "sessions"
}

// Shape is the durable record of one shape. Position is stored as a 2D
// point; Users holds the presence list as a JSON array.
type Shape struct {
	ID        uint           `json:"-" gorm:"primarykey;autoIncrement"`
	SessionID string         `json:"sessionId" gorm:"size:128;not null;uniqueIndex:idx_session_shape"`
	ShapeID   string         `json:"shapeId" gorm:"size:64;not null;uniqueIndex:idx_session_shape"`
	Kind      string         `json:"kind" gorm:"size:16"`
	Color     string         `json:"color" gorm:"size:16"`
	Z         int64          `json:"z" gorm:"index:idx_shape_z"`
	Position  geom.Point     `json:"position"`
	Users     datatypes.JSON `json:"users"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (*Shape) TableName() string {
	return "shapes"
}

// RelayStatus is a periodic sample of relay traffic.
type RelayStatus struct {
	ID             uint      `json:"-" gorm:"primarykey;autoIncrement"`
	Time           time.Time `json:"time" gorm:"index:idx_relay_status_time"`
	Sessions       int       `json:"sessions"`
	Members        int       `json:"members"`
	Shapes         int       `json:"shapes"`
	Ops            uint64    `json:"ops"`
	DroppedWrites  uint64    `json:"droppedWrites"`
	Rejected       uint64    `json:"rejected"`
	Signals        uint64    `json:"signals"`
	SignalsDropped uint64    `json:"signalsDropped"`
	Kicked         uint64    `json:"kicked"`
	PersistErrors  uint64    `json:"persistErrors"`
	PersistPending int       `json:"persistPending"`
}

func (*RelayStatus) TableName() string {
	return "relay_status"
}
