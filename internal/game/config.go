package game

import (
	"time"

	"github.com/pkg/errors"
)

// Config is the full session configuration. Every field is required; a
// session constructed with a missing or non-positive value fails fast
// rather than running with silent defaults.
type Config struct {
	MaxPlayers       int
	TimeLimit        time.Duration
	Stocks           int
	StageID          string // optional preset; empty means host picks later
	ReconnectGrace   time.Duration
	MaxReconnectTime time.Duration
	MaxDisconnects   int
	AutoCleanup      bool
	CleanupDelay     time.Duration
	Countdown        time.Duration
	TickInterval     time.Duration
	TimerInterval    time.Duration
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	switch {
	case c.MaxPlayers < 2:
		return errors.New("game: MaxPlayers must be at least 2")
	case c.TimeLimit <= 0:
		return errors.New("game: TimeLimit must be positive")
	case c.Stocks <= 0:
		return errors.New("game: Stocks must be positive")
	case c.ReconnectGrace <= 0:
		return errors.New("game: ReconnectGrace must be positive")
	case c.MaxReconnectTime < c.ReconnectGrace:
		return errors.New("game: MaxReconnectTime must cover at least one grace period")
	case c.MaxDisconnects <= 0:
		return errors.New("game: MaxDisconnects must be positive")
	case c.CleanupDelay <= 0:
		return errors.New("game: CleanupDelay must be positive")
	case c.Countdown <= 0:
		return errors.New("game: Countdown must be positive")
	case c.TickInterval <= 0:
		return errors.New("game: TickInterval must be positive")
	case c.TimerInterval <= 0:
		return errors.New("game: TimerInterval must be positive")
	}
	return nil
}
