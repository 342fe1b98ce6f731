package physics

import (
	"math"
	"time"
)

// Vec2 is a 2D vector. Y grows downward to match stage geometry.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{X: v.X - o.X, Y: v.Y - o.Y}
}

// Len returns the magnitude of v.
func (v Vec2) Len() float64 {
	return math.Hypot(v.X, v.Y)
}

// State is the authoritative per-player kinematic and combat state.
// It is created on join, reset (not destroyed) on knockout/respawn, and
// destroyed only when the player leaves the session.
type State struct {
	Position            Vec2
	Velocity            Vec2
	Grounded            bool
	DoubleJumpAvailable bool
	Health              float64
	Stocks              int
	Invulnerable        bool
	InvulnerableSince   time.Time
	LastAttackTime      time.Time
	AccumulatedDamage   float64
	LastUpdate          time.Time
}
