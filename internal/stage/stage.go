// Package stage models the collision geometry the physics validator checks
// against: world boundaries, platforms, hazards, and spawn points.
package stage

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrUnknownStage is returned for stage ids the source does not know.
var ErrUnknownStage = errors.New("stage: unknown stage id")

// Bounds is the axis-aligned playable region. Y grows downward; bounds
// extend past the death-zone line so a fall stays in-world until it costs
// a stock.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Platform is a solid surface players can stand on.
type Platform struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Hazard is a damaging region.
type Hazard struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Damage float64 `json:"damage"`
}

// SpawnPoint is a valid respawn location.
type SpawnPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Geometry is everything the validator needs to know about one stage.
type Geometry struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Bounds      Bounds       `json:"bounds"`
	Platforms   []Platform   `json:"platforms"`
	Hazards     []Hazard     `json:"hazards"`
	SpawnPoints []SpawnPoint `json:"spawn_points"`
}

// Clamp forces a position into bounds. The second return reports whether
// any clamping happened.
func (g *Geometry) Clamp(x, y float64) (float64, float64, bool) {
	clamped := false
	if x < g.Bounds.MinX {
		x, clamped = g.Bounds.MinX, true
	} else if x > g.Bounds.MaxX {
		x, clamped = g.Bounds.MaxX, true
	}
	if y < g.Bounds.MinY {
		y, clamped = g.Bounds.MinY, true
	} else if y > g.Bounds.MaxY {
		y, clamped = g.Bounds.MaxY, true
	}
	return x, y, clamped
}

// groundTolerance is how close to a platform top a player counts as
// standing on it.
const groundTolerance = 2.0

// GroundedAt reports whether a position rests on any platform surface.
func (g *Geometry) GroundedAt(x, y float64) bool {
	for _, p := range g.Platforms {
		if x < p.X || x > p.X+p.Width {
			continue
		}
		if y >= p.Y-groundTolerance && y <= p.Y+groundTolerance {
			return true
		}
	}
	return false
}

// HazardAt returns the hazard covering a position, if any.
func (g *Geometry) HazardAt(x, y float64) (Hazard, bool) {
	for _, h := range g.Hazards {
		if x >= h.X && x <= h.X+h.Width && y >= h.Y && y <= h.Y+h.Height {
			return h, true
		}
	}
	return Hazard{}, false
}

// SpawnAt returns the spawn point for a join index, wrapping around when
// more players join than spawn points exist.
func (g *Geometry) SpawnAt(index int) SpawnPoint {
	if len(g.SpawnPoints) == 0 {
		return g.center()
	}
	if index < 0 {
		index = 0
	}
	return g.SpawnPoints[index%len(g.SpawnPoints)]
}

// RandomSpawn picks a respawn location.
func (g *Geometry) RandomSpawn(rng *rand.Rand) SpawnPoint {
	if len(g.SpawnPoints) == 0 {
		return g.center()
	}
	if rng == nil {
		return g.SpawnPoints[0]
	}
	return g.SpawnPoints[rng.Intn(len(g.SpawnPoints))]
}

func (g *Geometry) center() SpawnPoint {
	return SpawnPoint{
		X: (g.Bounds.MinX + g.Bounds.MaxX) / 2,
		Y: (g.Bounds.MinY + g.Bounds.MaxY) / 2,
	}
}

// Source resolves stage geometry by id.
type Source interface {
	Geometry(stageID string) (*Geometry, error)
}

// Catalog is an in-memory Source.
type Catalog struct {
	stages map[string]*Geometry
}

// NewCatalog builds a catalog from the given stages.
func NewCatalog(stages ...*Geometry) *Catalog {
	c := &Catalog{stages: make(map[string]*Geometry, len(stages))}
	for _, s := range stages {
		c.stages[s.ID] = s
	}
	return c
}

// Geometry implements Source.
func (c *Catalog) Geometry(stageID string) (*Geometry, error) {
	g, ok := c.stages[stageID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownStage, stageID)
	}
	return g, nil
}

// DefaultCatalog carries the built-in stages.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		&Geometry{
			ID:     "arena",
			Name:   "Arena",
			Bounds: Bounds{MinX: -600, MaxX: 600, MinY: -400, MaxY: 1100},
			Platforms: []Platform{
				{X: -400, Y: 300, Width: 800, Height: 40},
				{X: -250, Y: 120, Width: 200, Height: 16},
				{X: 50, Y: 120, Width: 200, Height: 16},
			},
			SpawnPoints: []SpawnPoint{
				{X: -300, Y: 280}, {X: 300, Y: 280},
				{X: -150, Y: 100}, {X: 150, Y: 100},
			},
		},
		&Geometry{
			ID:     "foundry",
			Name:   "Foundry",
			Bounds: Bounds{MinX: -500, MaxX: 500, MinY: -400, MaxY: 1100},
			Platforms: []Platform{
				{X: -350, Y: 260, Width: 700, Height: 40},
			},
			Hazards: []Hazard{
				{X: -500, Y: 430, Width: 1000, Height: 20, Damage: 20},
			},
			SpawnPoints: []SpawnPoint{
				{X: -250, Y: 240}, {X: 250, Y: 240},
			},
		},
	)
}
