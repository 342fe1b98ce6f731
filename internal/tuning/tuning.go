// Package tuning models the externally sourced physics/combat parameters.
// Validation logic never hard-codes these values; it reads a snapshot from
// a Source on every use.
package tuning

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Constants is one immutable snapshot of the tunable parameters.
type Constants struct {
	Gravity                float64
	MaxVelocity            float64
	MaxPositionChangePerMs float64
	MaxVelocityChangePerMs float64
	MinDamage              float64
	MaxDamage              float64
	MaxKnockback           float64
	AttackRange            float64
	AttackCooldown         time.Duration
	Invulnerability        time.Duration
	MaxHealth              float64
	DeathZoneY             float64
}

// Validate rejects snapshots that would make validation meaningless.
// Running with unvalidated physics constants is unsafe, so any failure here
// propagates as a hard error.
func (c *Constants) Validate() error {
	switch {
	case c.MaxVelocity <= 0:
		return errors.New("tuning: MaxVelocity must be positive")
	case c.MaxPositionChangePerMs <= 0:
		return errors.New("tuning: MaxPositionChangePerMs must be positive")
	case c.MaxVelocityChangePerMs <= 0:
		return errors.New("tuning: MaxVelocityChangePerMs must be positive")
	case c.MaxDamage < c.MinDamage:
		return errors.New("tuning: MaxDamage below MinDamage")
	case c.MaxKnockback <= 0:
		return errors.New("tuning: MaxKnockback must be positive")
	case c.AttackRange <= 0:
		return errors.New("tuning: AttackRange must be positive")
	case c.AttackCooldown <= 0:
		return errors.New("tuning: AttackCooldown must be positive")
	case c.Invulnerability <= 0:
		return errors.New("tuning: Invulnerability must be positive")
	case c.MaxHealth <= 0:
		return errors.New("tuning: MaxHealth must be positive")
	}
	return nil
}

// Source provides the current constants snapshot. Implementations may hit
// a remote store; callers treat errors as fatal for the operation at hand.
type Source interface {
	Constants(ctx context.Context) (*Constants, error)
}

// StaticSource serves a fixed snapshot. Used for tests and for deployments
// that configure constants through the environment.
type StaticSource struct {
	Snapshot Constants
}

// Constants returns the configured snapshot after validating it.
func (s *StaticSource) Constants(context.Context) (*Constants, error) {
	c := s.Snapshot
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
