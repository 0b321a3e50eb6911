package geo

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/feltcanvas/felt/pkg/core"
)

// CANVAS GEOMETRY
// Shapes are positioned by their center in canvas pixels, origin top left.
// Positions are stored as 2D points so the gorm store can keep them in a
// geometry column.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Bounds is the drawable area and the nominal shape size.
type Bounds struct {
	Width     float64
	Height    float64
	ShapeSize float64
}

// DefaultBounds is a 600x600 canvas with 60px shapes.
var DefaultBounds = Bounds{Width: 600, Height: 600, ShapeSize: 60}

// Contains reports whether a shape centered at p lies fully inside.
func (b Bounds) Contains(p core.Position) bool {
	return b.insideX(p.X) && b.insideY(p.Y)
}

// Clamp returns (x, y) with each out-of-bounds axis replaced by the
// corresponding coordinate of prev.
func (b Bounds) Clamp(prev core.Position, x, y float64) core.Position {
	out := core.Position{X: x, Y: y}
	if !b.insideX(x) {
		out.X = prev.X
	}
	if !b.insideY(y) {
		out.Y = prev.Y
	}
	return out
}

// Spawn is where single created shapes appear.
func (b Bounds) Spawn() core.Position {
	return core.Position{X: b.ShapeSize, Y: b.ShapeSize}
}

// RandomPosition picks an integral position at least one shape size away
// from every edge.
func (b Bounds) RandomPosition(r *rand.Rand) core.Position {
	return core.Position{
		X: randomBetween(r, b.ShapeSize, b.Width-b.ShapeSize),
		Y: randomBetween(r, b.ShapeSize, b.Height-b.ShapeSize),
	}
}

func (b Bounds) insideX(x float64) bool {
	half := b.ShapeSize / 2
	return x >= half && x <= b.Width-half
}

func (b Bounds) insideY(y float64) bool {
	half := b.ShapeSize / 2
	return y >= half && y <= b.Height-half
}

func randomBetween(r *rand.Rand, lo, hi float64) float64 {
	from, to := int(lo), int(hi)
	if to <= from {
		return float64(from)
	}
	return float64(from + r.Intn(to-from+1))
}

// PointFromPosition converts a canvas position to a 2D point.
func PointFromPosition(p core.Position) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.X, Y: p.Y},
		Type: geom.DimXY,
	})
}

// PositionFromPoint converts a point back. Empty points yield the origin.
func PositionFromPoint(p geom.Point) core.Position {
	coord, ok := p.Coordinates()
	if !ok {
		return core.Position{}
	}
	return core.Position{X: coord.X, Y: coord.Y}
}

// PositionFromString parses "x,y" into a position.
func PositionFromString(coords string) (core.Position, error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return core.Position{}, ErrInvalidCoordinates
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	return core.Position{X: x, Y: y}, nil
}
