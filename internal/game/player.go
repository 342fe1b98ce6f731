package game

import (
	"time"

	"arenacore/internal/eventloop"
	"arenacore/internal/protocol"
)

// Identity is the verified (userId, username) pair attached to a
// connection by the token-verification collaborator.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Conn is the non-owning handle a session uses to reach a player. Closing
// or replacing it on reconnect does not destroy the player record.
type Conn interface {
	Send(kind protocol.Kind, payload any)
}

// PlayerState is the per-player lifecycle within a session.
type PlayerState string

const (
	PlayerConnecting   PlayerState = "connecting"
	PlayerConnected    PlayerState = "connected"
	PlayerReady        PlayerState = "ready"
	PlayerPlaying      PlayerState = "playing"
	PlayerDisconnected PlayerState = "disconnected"
)

// Player is a player-in-session record, owned exclusively by its session.
type Player struct {
	Identity
	Conn      Conn
	State     PlayerState
	Character string
	Host      bool
	Facing    string

	// LastSequence is the last accepted input sequence number; the client
	// uses it for reconciliation, so messages are never reordered.
	LastSequence uint64

	JoinedAt        time.Time
	JoinIndex       int
	DisconnectedAt  time.Time
	DisconnectCount int
	Downtime        time.Duration
	Eliminated      bool

	reconnectDeadline *eventloop.Task
}

func (p *Player) connected() bool {
	return p.State != PlayerDisconnected && p.Conn != nil
}

func (p *Player) cancelReconnectDeadline() {
	if p.reconnectDeadline != nil {
		p.reconnectDeadline.Cancel()
		p.reconnectDeadline = nil
	}
}

func (p *Player) rosterEntry() protocol.RosterEntry {
	return protocol.RosterEntry{
		UserID:    p.UserID,
		Username:  p.Username,
		Character: p.Character,
		Ready:     p.State == PlayerReady || p.State == PlayerPlaying,
		Host:      p.Host,
		Connected: p.connected(),
	}
}
