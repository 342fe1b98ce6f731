package stage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	g := &Geometry{Bounds: Bounds{MinX: -100, MaxX: 100, MinY: -50, MaxY: 50}}

	x, y, clamped := g.Clamp(0, 0)
	require.False(t, clamped)
	require.Zero(t, x)
	require.Zero(t, y)

	x, y, clamped = g.Clamp(150, -80)
	require.True(t, clamped)
	require.Equal(t, 100.0, x)
	require.Equal(t, -50.0, y)
}

func TestGroundedAt(t *testing.T) {
	g := &Geometry{Platforms: []Platform{{X: 0, Y: 100, Width: 50, Height: 10}}}

	require.True(t, g.GroundedAt(25, 100))
	require.True(t, g.GroundedAt(25, 101.5), "within tolerance below the surface")
	require.False(t, g.GroundedAt(25, 110), "inside the body is not grounded")
	require.False(t, g.GroundedAt(60, 100), "off the platform edge")
}

func TestHazardAt(t *testing.T) {
	g := &Geometry{Hazards: []Hazard{{X: -10, Y: 100, Width: 20, Height: 5, Damage: 15}}}

	h, ok := g.HazardAt(0, 102)
	require.True(t, ok)
	require.Equal(t, 15.0, h.Damage)

	_, ok = g.HazardAt(0, 50)
	require.False(t, ok)
	_, ok = g.HazardAt(-20, 102)
	require.False(t, ok)
}

func TestSpawnAtWrapsAround(t *testing.T) {
	g := &Geometry{SpawnPoints: []SpawnPoint{{X: 1}, {X: 2}}}

	require.Equal(t, 1.0, g.SpawnAt(0).X)
	require.Equal(t, 2.0, g.SpawnAt(1).X)
	require.Equal(t, 1.0, g.SpawnAt(2).X, "indexes wrap past the last spawn")
	require.Equal(t, 1.0, g.SpawnAt(-3).X, "negative indexes are floored")
}

func TestSpawnFallsBackToCenter(t *testing.T) {
	g := &Geometry{Bounds: Bounds{MinX: -100, MaxX: 100, MinY: 0, MaxY: 50}}
	sp := g.SpawnAt(0)
	require.Zero(t, sp.X)
	require.Equal(t, 25.0, sp.Y)
	require.Equal(t, sp, g.RandomSpawn(nil))
}

func TestCatalogLookup(t *testing.T) {
	catalog := DefaultCatalog()

	arena, err := catalog.Geometry("arena")
	require.NoError(t, err)
	require.NotEmpty(t, arena.SpawnPoints)
	require.NotEmpty(t, arena.Platforms)

	_, err = catalog.Geometry("volcano")
	require.True(t, errors.Is(err, ErrUnknownStage))
}
