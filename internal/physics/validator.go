// Package physics is the single source of truth for whether client-reported
// state is physically plausible, and for applying authoritative damage and
// knockback. It knows nothing about sessions or connections.
package physics

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

// RejectReason classifies why a reported movement was refused.
type RejectReason string

const (
	ReasonOutOfBounds       RejectReason = "out_of_bounds"
	ReasonVelocityCap       RejectReason = "velocity_cap"
	ReasonPositionDelta     RejectReason = "position_delta"
	ReasonVelocityDelta     RejectReason = "velocity_delta"
	ReasonBoundaryCollision RejectReason = "boundary_collision"
)

// Attack rejection sentinels. These are expected, frequent, and non-fatal.
var (
	ErrUnknownPlayer      = errors.New("physics: unknown player")
	ErrCooldownActive     = errors.New("physics: attack cooldown not elapsed")
	ErrDamageOutOfRange   = errors.New("physics: damage outside allowed range")
	ErrKnockbackTooStrong = errors.New("physics: knockback exceeds cap")
	ErrTargetInvulnerable = errors.New("physics: target is invulnerable")
	ErrOutOfAttackRange   = errors.New("physics: target out of attack range")
)

// Verdict is the outcome of a movement validation. On rejection the
// corrected state is the suggestion the caller applies instead of trusting
// the client.
type Verdict struct {
	Accepted          bool
	Reason            RejectReason
	CorrectedPosition Vec2
	CorrectedVelocity Vec2
}

// Knockout reports a stock loss produced by a tick (death zone) or by
// ApplyDamage.
type Knockout struct {
	PlayerID    string
	StocksLeft  int
	RespawnedAt Vec2
}

// Validator owns the authoritative PhysicsState of every player in one
// session. All thresholds come from the tuning source; nothing is
// hard-coded.
type Validator struct {
	source   tuning.Source
	geometry *stage.Geometry
	players  map[string]*State
	rng      *rand.Rand
}

// NewValidator creates an empty validator reading thresholds from source.
func NewValidator(source tuning.Source) *Validator {
	return &Validator{
		source:  source,
		players: make(map[string]*State),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetStageGeometry replaces the active platform/boundary/hazard set.
func (v *Validator) SetStageGeometry(g *stage.Geometry) {
	v.geometry = g
}

// Initialize creates a PhysicsState at the given spawn with full health
// and the configured stock count.
func (v *Validator) Initialize(ctx context.Context, playerID string, spawn Vec2, stocks int) error {
	consts, err := v.source.Constants(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	v.players[playerID] = &State{
		Position:            spawn,
		Grounded:            true,
		DoubleJumpAvailable: true,
		Health:              consts.MaxHealth,
		Stocks:              stocks,
		LastUpdate:          now,
	}
	return nil
}

// Remove discards a player's state.
func (v *Validator) Remove(playerID string) {
	delete(v.players, playerID)
}

// Snapshot returns a copy of a player's state.
func (v *Validator) Snapshot(playerID string) (State, bool) {
	s, ok := v.players[playerID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// ValidateMovement checks a client-reported position/velocity against the
// stored state. On acceptance the stored state is updated; this is the
// only write path for authoritative position.
func (v *Validator) ValidateMovement(ctx context.Context, playerID string, pos, vel Vec2, ts time.Time) (Verdict, error) {
	s, ok := v.players[playerID]
	if !ok {
		return Verdict{}, ErrUnknownPlayer
	}
	consts, err := v.source.Constants(ctx)
	if err != nil {
		return Verdict{}, err
	}

	if v.geometry != nil {
		if cx, cy, clamped := v.geometry.Clamp(pos.X, pos.Y); clamped {
			return Verdict{
				Reason:            ReasonOutOfBounds,
				CorrectedPosition: Vec2{X: cx, Y: cy},
				CorrectedVelocity: vel,
			}, nil
		}
	}

	if speed := vel.Len(); speed > consts.MaxVelocity {
		scale := consts.MaxVelocity / speed
		return Verdict{
			Reason:            ReasonVelocityCap,
			CorrectedPosition: pos,
			CorrectedVelocity: Vec2{X: vel.X * scale, Y: vel.Y * scale},
		}, nil
	}

	dtMs := float64(ts.Sub(s.LastUpdate)) / float64(time.Millisecond)
	if dtMs < 0 {
		dtMs = 0
	}

	// Teleport guard: a jump larger than the per-ms budget reverts to the
	// last known state.
	if pos.Sub(s.Position).Len() > consts.MaxPositionChangePerMs*dtMs {
		return Verdict{
			Reason:            ReasonPositionDelta,
			CorrectedPosition: s.Position,
			CorrectedVelocity: s.Velocity,
		}, nil
	}

	if vel.Sub(s.Velocity).Len() > consts.MaxVelocityChangePerMs*dtMs {
		return Verdict{
			Reason:            ReasonVelocityDelta,
			CorrectedPosition: pos,
			CorrectedVelocity: s.Velocity,
		}, nil
	}

	if v.geometry != nil {
		if cx, cy, collided := v.collideBoundary(pos); collided {
			return Verdict{
				Reason:            ReasonBoundaryCollision,
				CorrectedPosition: Vec2{X: cx, Y: cy},
				CorrectedVelocity: Vec2{},
			}, nil
		}
	}

	s.Position = pos
	s.Velocity = vel
	s.LastUpdate = ts
	if v.geometry != nil {
		s.Grounded = v.geometry.GroundedAt(pos.X, pos.Y)
		if s.Grounded {
			s.DoubleJumpAvailable = true
		}
	}
	return Verdict{Accepted: true}, nil
}

// collideBoundary detects a position inside a solid platform body and
// projects it back onto the platform surface.
func (v *Validator) collideBoundary(pos Vec2) (float64, float64, bool) {
	for _, p := range v.geometry.Platforms {
		if pos.X <= p.X || pos.X >= p.X+p.Width {
			continue
		}
		if pos.Y > p.Y && pos.Y < p.Y+p.Height {
			return pos.X, p.Y, true
		}
	}
	return pos.X, pos.Y, false
}

// ValidateAttack rejects implausible attacks. A nil return means the attack
// may be applied.
func (v *Validator) ValidateAttack(ctx context.Context, attackerID, targetID string, damage float64, knockback Vec2, ts time.Time) error {
	attacker, ok := v.players[attackerID]
	if !ok {
		return ErrUnknownPlayer
	}
	target, ok := v.players[targetID]
	if !ok {
		return ErrUnknownPlayer
	}
	consts, err := v.source.Constants(ctx)
	if err != nil {
		return err
	}

	if !attacker.LastAttackTime.IsZero() && ts.Sub(attacker.LastAttackTime) < consts.AttackCooldown {
		return ErrCooldownActive
	}
	if damage < consts.MinDamage || damage > consts.MaxDamage {
		return ErrDamageOutOfRange
	}
	if knockback.Len() > consts.MaxKnockback {
		return ErrKnockbackTooStrong
	}
	if target.Invulnerable && ts.Sub(target.InvulnerableSince) < consts.Invulnerability {
		return ErrTargetInvulnerable
	}
	if target.Position.Sub(attacker.Position).Len() > consts.AttackRange {
		return ErrOutOfAttackRange
	}

	attacker.LastAttackTime = ts
	return nil
}

// ApplyDamage subtracts damage, applies knockback, and grants
// invulnerability. When health reaches zero the player loses a stock and
// respawns (state is reset, not destroyed). The returned snapshot is the
// post-update state.
func (v *Validator) ApplyDamage(ctx context.Context, targetID string, damage float64, knockback Vec2, ts time.Time) (State, *Knockout, error) {
	target, ok := v.players[targetID]
	if !ok {
		return State{}, nil, ErrUnknownPlayer
	}
	consts, err := v.source.Constants(ctx)
	if err != nil {
		return State{}, nil, err
	}

	target.Health -= damage
	if target.Health < 0 {
		target.Health = 0
	}
	target.AccumulatedDamage += damage
	target.Velocity = target.Velocity.Add(knockback)
	target.Invulnerable = true
	target.InvulnerableSince = ts
	target.LastUpdate = ts

	var ko *Knockout
	if target.Health <= 0 {
		v.respawn(target, consts, ts)
		ko = &Knockout{
			PlayerID:    targetID,
			StocksLeft:  target.Stocks,
			RespawnedAt: target.Position,
		}
	}
	return *target, ko, nil
}

// respawn consumes a stock (floored at zero) and resets the combat state.
func (v *Validator) respawn(s *State, consts *tuning.Constants, ts time.Time) {
	if s.Stocks > 0 {
		s.Stocks--
	}
	s.Health = consts.MaxHealth
	s.AccumulatedDamage = 0
	s.Velocity = Vec2{}
	if v.geometry != nil {
		sp := v.geometry.RandomSpawn(v.rng)
		s.Position = Vec2{X: sp.X, Y: sp.Y}
	}
	s.Invulnerable = true
	s.InvulnerableSince = ts
	s.Grounded = true
	s.DoubleJumpAvailable = true
	s.LastUpdate = ts
}

// Tick advances every player one simulation frame: expires invulnerability,
// applies hazard damage and the death-zone check, and recomputes grounded
// state. Cost is O(players); it never blocks.
func (v *Validator) Tick(ctx context.Context, now time.Time) ([]Knockout, error) {
	consts, err := v.source.Constants(ctx)
	if err != nil {
		return nil, err
	}

	var knockouts []Knockout
	for id, s := range v.players {
		if s.Invulnerable && now.Sub(s.InvulnerableSince) >= consts.Invulnerability {
			s.Invulnerable = false
		}
		// Hazard contact burns once per invulnerability window.
		if !s.Invulnerable && v.geometry != nil {
			if h, ok := v.geometry.HazardAt(s.Position.X, s.Position.Y); ok {
				s.Health -= h.Damage
				if s.Health < 0 {
					s.Health = 0
				}
				s.AccumulatedDamage += h.Damage
				s.Invulnerable = true
				s.InvulnerableSince = now
				s.LastUpdate = now
				if s.Health <= 0 {
					v.respawn(s, consts, now)
					knockouts = append(knockouts, Knockout{
						PlayerID:    id,
						StocksLeft:  s.Stocks,
						RespawnedAt: s.Position,
					})
					continue
				}
			}
		}
		if s.Position.Y > consts.DeathZoneY {
			v.respawn(s, consts, now)
			knockouts = append(knockouts, Knockout{
				PlayerID:    id,
				StocksLeft:  s.Stocks,
				RespawnedAt: s.Position,
			})
			continue
		}
		if v.geometry != nil {
			s.Grounded = v.geometry.GroundedAt(s.Position.X, s.Position.Y)
			if s.Grounded {
				s.DoubleJumpAvailable = true
			}
		}
	}
	return knockouts, nil
}

// PlayerCount reports how many states are tracked.
func (v *Validator) PlayerCount() int {
	return len(v.players)
}
