package protocol

import "encoding/json"

// Kind identifies a protocol message. The set is closed: the router
// switches exhaustively over inbound kinds, so adding a message is a
// compile-time-visible change.
type Kind string

// Inbound kinds (client → server).
const (
	KindAuthenticate     Kind = "authenticate"
	KindJoinQueue        Kind = "join_queue"
	KindLeaveQueue       Kind = "leave_queue"
	KindSelectCharacter  Kind = "select_character"
	KindSelectStage      Kind = "select_stage"
	KindPlayerReady      Kind = "player_ready"
	KindPlayerInput      Kind = "player_input"
	KindPlayerMove       Kind = "player_move"
	KindGameEvent        Kind = "game_event"
	KindPlayerQuit       Kind = "player_quit"
	KindLeaveRoom        Kind = "leave_room"
	KindRequestRoomState Kind = "request_room_state"
)

// Outbound kinds (server → client).
const (
	KindAuthenticated      Kind = "authenticated"
	KindQueueStatus        Kind = "queue_status"
	KindMatchFound         Kind = "match_found"
	KindLobbyState         Kind = "lobby_state"
	KindGameStarted        Kind = "game_started"
	KindServerState        Kind = "server_state"
	KindPositionCorrection Kind = "position_correction"
	KindAttackHit          Kind = "attack_hit"
	KindAttackRejected     Kind = "attack_rejected"
	KindMatchTimer         Kind = "match_timer"
	KindGamePaused         Kind = "game_paused"
	KindGameResumed        Kind = "game_resumed"
	KindPlayerDisconnected Kind = "player_disconnected"
	KindPlayerReconnected  Kind = "player_reconnected"
	KindMatchEnd           Kind = "match_end"
	KindRoomCleanedUp      Kind = "room_cleaned_up"
	KindError              Kind = "error"
)

var inboundKinds = map[Kind]struct{}{
	KindAuthenticate:     {},
	KindJoinQueue:        {},
	KindLeaveQueue:       {},
	KindSelectCharacter:  {},
	KindSelectStage:      {},
	KindPlayerReady:      {},
	KindPlayerInput:      {},
	KindPlayerMove:       {},
	KindGameEvent:        {},
	KindPlayerQuit:       {},
	KindLeaveRoom:        {},
	KindRequestRoomState: {},
}

// KnownInbound reports whether k is one of the closed inbound kinds.
// Anything a client mints outside this set must not become a metric label
// or a map key.
func KnownInbound(k Kind) bool {
	_, ok := inboundKinds[k]
	return ok
}

// Envelope wraps every message in a consistent format.
type Envelope struct {
	Action Kind            `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Encode marshals a payload into a ready-to-send envelope.
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Action: kind, Data: body})
}
