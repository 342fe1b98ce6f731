package tuning

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	snapshot Constants
	err      error
	calls    int
}

func (s *countingSource) Constants(context.Context) (*Constants, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	c := s.snapshot
	return &c, nil
}

func validConstants() Constants {
	return Constants{
		MaxVelocity:            25,
		MaxPositionChangePerMs: 1.5,
		MaxVelocityChangePerMs: 0.5,
		MinDamage:              1,
		MaxDamage:              30,
		MaxKnockback:           40,
		AttackRange:            120,
		AttackCooldown:         250 * time.Millisecond,
		Invulnerability:        2 * time.Second,
		MaxHealth:              100,
		DeathZoneY:             900,
	}
}

func TestCachedSourceServesFromCache(t *testing.T) {
	upstream := &countingSource{snapshot: validConstants()}
	cached := NewCachedSource(upstream, time.Minute)
	ctx := context.Background()

	first, err := cached.Constants(ctx)
	require.NoError(t, err)
	second, err := cached.Constants(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, upstream.calls, "second read must hit the cache")
	require.Same(t, first, second)
}

func TestCachedSourceInvalidateForcesRefresh(t *testing.T) {
	upstream := &countingSource{snapshot: validConstants()}
	cached := NewCachedSource(upstream, time.Minute)
	ctx := context.Background()

	_, err := cached.Constants(ctx)
	require.NoError(t, err)

	cached.Invalidate()
	_, err = cached.Constants(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, upstream.calls)
}

func TestCachedSourceRefreshFailureIsHardError(t *testing.T) {
	upstream := &countingSource{err: errors.New("store down")}
	cached := NewCachedSource(upstream, time.Minute)

	_, err := cached.Constants(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "store down")
}

func TestCachedSourceRejectsInvalidSnapshot(t *testing.T) {
	bad := validConstants()
	bad.MaxVelocity = 0
	upstream := &countingSource{snapshot: bad}
	cached := NewCachedSource(upstream, time.Minute)

	_, err := cached.Constants(context.Background())
	require.Error(t, err)

	// The broken snapshot must not be cached.
	_, err = cached.Constants(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, upstream.calls)
}

func TestConstantsValidate(t *testing.T) {
	good := validConstants()
	require.NoError(t, good.Validate())

	cases := []func(*Constants){
		func(c *Constants) { c.MaxVelocity = 0 },
		func(c *Constants) { c.MaxPositionChangePerMs = -1 },
		func(c *Constants) { c.MaxVelocityChangePerMs = 0 },
		func(c *Constants) { c.MinDamage = 10; c.MaxDamage = 5 },
		func(c *Constants) { c.MaxKnockback = 0 },
		func(c *Constants) { c.AttackRange = 0 },
		func(c *Constants) { c.AttackCooldown = 0 },
		func(c *Constants) { c.Invulnerability = 0 },
		func(c *Constants) { c.MaxHealth = 0 },
	}
	for i, mutate := range cases {
		c := validConstants()
		mutate(&c)
		require.Errorf(t, c.Validate(), "case %d should fail validation", i)
	}
}
