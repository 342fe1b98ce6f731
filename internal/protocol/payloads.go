package protocol

import "encoding/json"

// AuthenticatePayload carries the bearer token for the connection.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload reports the outcome of authentication.
type AuthenticatedPayload struct {
	OK       bool   `json:"ok"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// QueuePreferences describes what the client wants to play.
type QueuePreferences struct {
	Character string `json:"character,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// JoinQueuePayload is sent when requesting matchmaking.
type JoinQueuePayload struct {
	Preferences QueuePreferences `json:"preferences"`
}

// QueueStatusPayload is a periodic position/wait update to a queued client.
type QueueStatusPayload struct {
	Position   int    `json:"position"`
	ETASeconds int    `json:"eta_seconds"`
	Priority   bool   `json:"priority,omitempty"`
	Message    string `json:"message,omitempty"`
}

// RosterEntry describes one player in a session.
type RosterEntry struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Character string `json:"character,omitempty"`
	Ready     bool   `json:"ready"`
	Host      bool   `json:"host"`
	Connected bool   `json:"connected"`
}

// MatchFoundPayload informs a queued client that a session was created.
type MatchFoundPayload struct {
	SessionID  string        `json:"session_id"`
	Roster     []RosterEntry `json:"roster"`
	ETASeconds int           `json:"eta_seconds"`
}

// LobbyStatePayload is the pre-game room snapshot.
type LobbyStatePayload struct {
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	Roster    []RosterEntry `json:"roster"`
	Stage     string        `json:"stage,omitempty"`
}

// GameStartedPayload announces the transition into play.
type GameStartedPayload struct {
	SessionID        string        `json:"session_id"`
	Roster           []RosterEntry `json:"roster"`
	Stage            string        `json:"stage"`
	TimeLimitSeconds int           `json:"time_limit_seconds"`
	Stocks           int           `json:"stocks"`
}

// SelectCharacterPayload picks a character in the lobby.
type SelectCharacterPayload struct {
	CharacterID string `json:"character_id"`
}

// SelectStagePayload picks the stage (host only).
type SelectStagePayload struct {
	StageID string `json:"stage_id"`
}

// PlayerReadyPayload toggles readiness.
type PlayerReadyPayload struct {
	Ready bool `json:"ready"`
}

// MovePayload is the client-reported kinematic state. Sequence numbers are
// echoed back verbatim so the client can reconcile.
type MovePayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	Facing   string  `json:"facing,omitempty"`
	Sequence uint64  `json:"sequence"`
}

// PlayerMoveBroadcast relays an accepted move to the other players.
type PlayerMoveBroadcast struct {
	UserID   string  `json:"user_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	Facing   string  `json:"facing,omitempty"`
	Sequence uint64  `json:"sequence"`
}

// ServerStatePayload echoes the authoritative state back to the sender.
type ServerStatePayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	Sequence uint64  `json:"sequence"`
}

// PositionCorrectionPayload tells the sender its reported state was
// rejected and what to snap back to.
type PositionCorrectionPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	Reason   string  `json:"reason"`
	Sequence uint64  `json:"sequence"`
}

// InputPayload is a generic buffered input (button presses and the like).
type InputPayload struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sequence uint64          `json:"sequence"`
}

// InputBroadcast relays an input to the other players.
type InputBroadcast struct {
	UserID   string          `json:"user_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sequence uint64          `json:"sequence"`
}

// GameEventPayload is a typed in-match event; attacks travel as
// type "attack" with an AttackEventPayload body.
type GameEventPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AttackEventPayload is the body of an "attack" game event.
type AttackEventPayload struct {
	TargetID   string  `json:"target_id"`
	Damage     float64 `json:"damage"`
	KnockbackX float64 `json:"knockback_x"`
	KnockbackY float64 `json:"knockback_y"`
}

// AttackHitPayload broadcasts an accepted hit and its authoritative result.
type AttackHitPayload struct {
	AttackerID string  `json:"attacker_id"`
	TargetID   string  `json:"target_id"`
	Damage     float64 `json:"damage"`
	Health     float64 `json:"health"`
	Stocks     int     `json:"stocks"`
	KnockedOut bool    `json:"knocked_out"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	VX         float64 `json:"vx"`
	VY         float64 `json:"vy"`
}

// AttackRejectedPayload is sent to the attacker only.
type AttackRejectedPayload struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

// MatchTimerPayload is the 1 Hz wall-clock update.
type MatchTimerPayload struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	ElapsedSeconds   int  `json:"elapsed_seconds"`
	Paused           bool `json:"paused"`
}

// GamePausedPayload announces a pause caused by a disconnect.
type GamePausedPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// PlayerDisconnectedPayload notifies the room of a dropped player.
type PlayerDisconnectedPayload struct {
	UserID             string `json:"user_id"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

// PlayerReconnectedPayload notifies the room of a returning player.
type PlayerReconnectedPayload struct {
	UserID          string `json:"user_id"`
	DowntimeSeconds int    `json:"downtime_seconds"`
}

// MatchEndPayload carries the final result to every player.
type MatchEndPayload struct {
	SessionID       string         `json:"session_id"`
	WinnerID        string         `json:"winner_id,omitempty"`
	LoserID         string         `json:"loser_id,omitempty"`
	EndReason       string         `json:"end_reason"`
	Scores          map[string]int `json:"scores"`
	Placements      map[string]int `json:"placements"`
	DurationSeconds int            `json:"duration_seconds"`
}

// RoomCleanedUpPayload tells lingering clients the room was reclaimed.
type RoomCleanedUpPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ErrorPayload reports a request-scoped failure to the sender.
type ErrorPayload struct {
	Message string `json:"message"`
}
