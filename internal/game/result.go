package game

import (
	"context"
	"time"
)

// EndReason classifies how a match finished.
type EndReason string

const (
	EndReasonKnockout   EndReason = "knockout"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonForfeit    EndReason = "forfeit"
	EndReasonDisconnect EndReason = "disconnect"
)

// Result is produced once per session lifecycle and persisted through the
// match-record collaborator. Winner/loser are optional: a timeout with no
// clear winner leaves both empty.
type Result struct {
	MatchID    string
	SessionID  string
	WinnerID   string
	LoserID    string
	EndReason  EndReason
	Scores     map[string]int
	Placements map[string]int
	Duration   time.Duration
	EndedAt    time.Time
}

// ParticipantStats is the per-player summary handed to the recorder at
// match end. Rating and experience deltas are computed by the recorder.
type ParticipantStats struct {
	UserID       string
	Placement    int
	StocksLeft   int
	DamageDealt  float64
	DamageTaken  float64
	Disconnects  int
}

// MatchRecorder is the narrow match-record sink. Persistence failures at
// match end are logged and the in-memory session still transitions to
// ENDED; the result is then not considered durably recorded.
type MatchRecorder interface {
	CreateMatch(ctx context.Context, matchID, sessionID, stageID string, userIDs []string) error
	StartMatch(ctx context.Context, matchID string, startedAt time.Time) error
	EndMatch(ctx context.Context, matchID string, result *Result, participants []ParticipantStats) error
}

// NopRecorder discards everything. Used when no record store is configured.
type NopRecorder struct{}

func (NopRecorder) CreateMatch(context.Context, string, string, string, []string) error {
	return nil
}
func (NopRecorder) StartMatch(context.Context, string, time.Time) error { return nil }
func (NopRecorder) EndMatch(context.Context, string, *Result, []ParticipantStats) error {
	return nil
}
