package core

// ShapeKind is the geometric kind of a shape. Immutable after creation.
type ShapeKind string

const (
	Circle    ShapeKind = "CIRCLE"
	Square    ShapeKind = "SQUARE"
	Triangle  ShapeKind = "TRIANGLE"
	Rectangle ShapeKind = "RECTANGLE"
)

// ShapeKinds lists every kind in cycling order.
var ShapeKinds = []ShapeKind{Circle, Square, Triangle, Rectangle}

// Valid reports whether k is one of the known kinds.
func (k ShapeKind) Valid() bool {
	for _, known := range ShapeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// NextKind returns the kind following k. Unknown kinds restart the cycle.
func NextKind(k ShapeKind) ShapeKind {
	for i, known := range ShapeKinds {
		if k == known {
			return ShapeKinds[(i+1)%len(ShapeKinds)]
		}
	}
	return ShapeKinds[0]
}

// Color is a palette entry.
type Color string

const (
	Red    Color = "RED"
	Green  Color = "GREEN"
	Blue   Color = "BLUE"
	Orange Color = "ORANGE"
	Purple Color = "PURPLE"
)

// Palette lists every color in cycling order.
var Palette = []Color{Red, Green, Blue, Orange, Purple}

var paletteHex = map[Color]uint32{
	Red:    0xFF0000,
	Green:  0x009A44,
	Blue:   0x0000FF,
	Orange: 0xFF7F00,
	Purple: 0x800080,
}

// Hex returns the RGB value of the color, or 0 for colors outside the palette.
func (c Color) Hex() uint32 {
	return paletteHex[c]
}

// Valid reports whether c is in the palette.
func (c Color) Valid() bool {
	_, ok := paletteHex[c]
	return ok
}

// NextColor returns the palette color following c.
func NextColor(c Color) Color {
	for i, known := range Palette {
		if c == known {
			return Palette[(i+1)%len(Palette)]
		}
	}
	return Palette[0]
}

// Position is a point in canvas coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Field names addressable by field-level writes. id and kind are immutable.
const (
	FieldPosition = "position"
	FieldColor    = "color"
	FieldZ        = "z"
	FieldUsers    = "users"
)

// ShapeRecord is the shared, durable state of one shape.
type ShapeRecord struct {
	ID       string    `json:"id"`
	Position Position  `json:"position"`
	Kind     ShapeKind `json:"kind"`
	Color    Color     `json:"color"`
	Z        int64     `json:"z"`
	Users    []string  `json:"users"`
}

// Clone returns a copy that does not share the users slice.
func (r ShapeRecord) Clone() ShapeRecord {
	out := r
	out.Users = make([]string, len(r.Users))
	copy(out.Users, r.Users)
	return out
}

// HasUser reports whether userID is in users.
func HasUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

// WithUser returns users with userID appended, or users itself when it is
// already listed.
func WithUser(users []string, userID string) []string {
	if HasUser(users, userID) {
		return users
	}
	out := make([]string, len(users), len(users)+1)
	copy(out, users)
	return append(out, userID)
}

// WithoutUser returns a copy of users without any occurrence of userID.
func WithoutUser(users []string, userID string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}

// DuplicateUser returns the first user listed twice, if any.
func DuplicateUser(users []string) (string, bool) {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			return u, true
		}
		seen[u] = struct{}{}
	}
	return "", false
}
