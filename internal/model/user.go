// Package model defines the data structures used throughout the application.
package model

import (
	"math"
	"time"
)

// Canvas geometry. Coordinates live in percentage space [0,100]x[0,100].
const (
	CanvasCenter = 50.0
)

// Coordinate is a point on the shared canvas.
type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Unassigned is the sentinel stored for identities that have no position
// yet. Generated positions never equal it because the minimum radius is
// strictly positive.
var Unassigned = Coordinate{X: CanvasCenter, Y: CanvasCenter}

// IsUnassigned reports whether c is the sentinel.
func (c Coordinate) IsUnassigned() bool {
	return c == Unassigned
}

// DistanceTo returns the Euclidean distance between two coordinates.
func (c Coordinate) DistanceTo(o Coordinate) float64 {
	return math.Hypot(c.X-o.X, c.Y-o.Y)
}

// Profile is the presence record kept for every identity that has signed in.
//
// Position is nil until the allocator assigns one. Online=true implies
// LastSeen is recent; the sweeper enforces this for clients that stop
// sending heartbeats.
type Profile struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	Online    bool        `json:"online"`
	LastSeen  time.Time   `json:"lastSeen"`
	Color     string      `json:"color"`
	Position  *Coordinate `json:"position,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// HasPosition reports whether a real (non-sentinel) position is stored.
func (p *Profile) HasPosition() bool {
	return p.Position != nil && !p.Position.IsUnassigned()
}

// Identity is an authenticated user as reported by the identity provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
