// Package game owns the per-match session state machine: player
// membership, lifecycle, simulation ticks, the wall-clock match timer, and
// disconnect/reconnect bookkeeping. All mutation happens on the event loop.
package game

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"arenacore/internal/eventloop"
	"arenacore/internal/physics"
	"arenacore/internal/protocol"
	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

// State is the match lifecycle state.
type State string

const (
	StateWaiting  State = "waiting"
	StateStarting State = "starting"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateEnded    State = "ended"
)

// Named operation errors, reported back to the requesting connection only.
var (
	ErrSessionFull      = errors.New("game: session is full")
	ErrAlreadyInSession = errors.New("game: player already in session")
	ErrGameInProgress   = errors.New("game: game already in progress")
	ErrNotInSession     = errors.New("game: player not in session")
	ErrNotHost          = errors.New("game: only the host may do that")
	ErrNotWaiting       = errors.New("game: session is not in the lobby")
	ErrCannotStart      = errors.New("game: start requirements not met")
	ErrNotPlaying       = errors.New("game: no game in progress")
	ErrNotDisconnected  = errors.New("game: player is not disconnected")
)

// Deps are the collaborators a session needs. All are required except
// OnEmpty.
type Deps struct {
	Loop      *eventloop.Loop
	Stages    stage.Source
	Constants tuning.Source
	Recorder  MatchRecorder
	Log       *logrus.Entry

	// OnEmpty fires on the loop when the room-cleanup deadline elapses
	// with no connected players. The router uses it to reclaim the room.
	OnEmpty func(*Session)
}

// Session is one active or recently-finished match instance.
type Session struct {
	ID  string
	cfg Config

	state     State
	players   map[string]*Player
	hostID    string // weak reference, re-resolved against players
	stageID   string
	validator *physics.Validator

	deps  Deps
	log   *logrus.Entry
	clock func() time.Time

	matchID      string
	createdAt    time.Time
	lastActivity time.Time

	// Match timer. elapsedAccum is frozen play time; when running, the
	// stretch since lastResumeAt is added on read.
	elapsedAccum time.Duration
	timerRunning bool
	lastResumeAt time.Time

	simTask       *eventloop.Task
	timerTask     *eventloop.Task
	countdownTask *eventloop.Task
	cleanupTask   *eventloop.Task

	damageDealt map[string]float64
	damageTaken map[string]float64

	lastResult  *Result
	joinCounter int
}

// NewSession validates the configuration and builds a reusable room.
func NewSession(id string, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := time.Now()
	s := &Session{
		ID:           id,
		cfg:          cfg,
		state:        StateWaiting,
		players:      make(map[string]*Player),
		validator:    physics.NewValidator(deps.Constants),
		deps:         deps,
		log:          log.WithField("session", id),
		clock:        time.Now,
		createdAt:    now,
		lastActivity: now,
		damageDealt:  make(map[string]float64),
		damageTaken:  make(map[string]float64),
	}
	if cfg.StageID != "" {
		if err := s.applyStage(cfg.StageID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Stage returns the selected stage id, if any.
func (s *Session) Stage() string { return s.stageID }

// PlayerCount returns the number of seated players.
func (s *Session) PlayerCount() int { return len(s.players) }

// HasPlayer reports whether a user is seated in this session.
func (s *Session) HasPlayer(userID string) bool {
	_, ok := s.players[userID]
	return ok
}

// HasOpenSlots reports whether matchmaking may add players.
func (s *Session) HasOpenSlots() bool {
	return s.state == StateWaiting && len(s.players) < s.cfg.MaxPlayers
}

// ConnectedCount returns the number of currently-connected players.
func (s *Session) ConnectedCount() int {
	n := 0
	for _, p := range s.players {
		if p.connected() {
			n++
		}
	}
	return n
}

// LastResult returns the most recently completed match result, if any.
func (s *Session) LastResult() *Result { return s.lastResult }

// LastActivity returns the time of the last state-changing operation.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// AutoCleanup reports whether the room may be reclaimed when abandoned.
func (s *Session) AutoCleanup() bool { return s.cfg.AutoCleanup }

func (s *Session) touch() { s.lastActivity = s.clock() }

// AddPlayer seats a player. The first joiner becomes host. Rejected when
// the session is full, the player is already present, or a game is live.
func (s *Session) AddPlayer(ctx context.Context, id Identity, conn Conn) error {
	if s.state == StatePlaying || s.state == StateStarting || s.state == StatePaused {
		return ErrGameInProgress
	}
	if _, ok := s.players[id.UserID]; ok {
		return ErrAlreadyInSession
	}
	if len(s.players) >= s.cfg.MaxPlayers {
		return ErrSessionFull
	}

	spawn := s.spawnFor(s.joinCounter)
	if err := s.validator.Initialize(ctx, id.UserID, spawn, s.cfg.Stocks); err != nil {
		return errors.Wrap(err, "registering player with validator")
	}

	p := &Player{
		Identity:  id,
		Conn:      conn,
		State:     PlayerConnected,
		JoinedAt:  s.clock(),
		JoinIndex: s.joinCounter,
	}
	s.joinCounter++
	s.players[id.UserID] = p
	if s.hostID == "" {
		s.hostID = id.UserID
		p.Host = true
	}
	s.cancelCleanupDeadline()
	s.touch()

	s.log.WithFields(logrus.Fields{"user": id.UserID, "players": len(s.players)}).Info("player joined")
	s.broadcastLobbyState()
	return nil
}

// spawnFor computes a join spawn from stage geometry, falling back to a
// safe default when no stage is selected or the lookup fails.
func (s *Session) spawnFor(index int) physics.Vec2 {
	if s.stageID != "" {
		if geom, err := s.deps.Stages.Geometry(s.stageID); err == nil {
			sp := geom.SpawnAt(index)
			return physics.Vec2{X: sp.X, Y: sp.Y}
		}
	}
	return physics.Vec2{}
}

// RemovePlayer unseats a player without forfeit semantics (lobby leave).
func (s *Session) RemovePlayer(userID string) error {
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	p.cancelReconnectDeadline()
	s.validator.Remove(userID)
	delete(s.players, userID)
	s.reassignHost()
	s.touch()
	s.log.WithField("user", userID).Info("player left")
	s.scheduleCleanupIfAbandoned()
	s.broadcastLobbyState()
	return nil
}

// HandleQuit handles a deliberate quit. Mid-match it is a forfeit: when
// exactly one non-disconnected player remains, that player wins.
func (s *Session) HandleQuit(ctx context.Context, userID string) error {
	return s.removeMidMatch(ctx, userID, EndReasonForfeit)
}

func (s *Session) removeMidMatch(ctx context.Context, userID string, reason EndReason) error {
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	inMatch := s.state == StatePlaying || s.state == StatePaused || s.state == StateStarting
	p.cancelReconnectDeadline()
	s.validator.Remove(userID)
	delete(s.players, userID)
	s.reassignHost()
	s.touch()
	s.log.WithFields(logrus.Fields{"user": userID, "reason": reason}).Info("player removed")

	if s.state == StateStarting {
		s.abortCountdown()
	}
	if inMatch && (s.state == StatePlaying || s.state == StatePaused) {
		s.evaluateLastStanding(ctx, reason)
	}
	if len(s.players) > 0 {
		s.broadcastLobbyState()
	}
	s.scheduleCleanupIfAbandoned()
	return nil
}

// reassignHost keeps the host invariant: the host, if set, is always a
// currently-connected player, preferring join order.
func (s *Session) reassignHost() {
	if host, ok := s.players[s.hostID]; ok && host.connected() {
		return
	}
	if old, ok := s.players[s.hostID]; ok {
		old.Host = false
	}
	s.hostID = ""
	var next *Player
	for _, p := range s.players {
		if !p.connected() {
			continue
		}
		if next == nil || p.JoinIndex < next.JoinIndex {
			next = p
		}
	}
	if next != nil {
		next.Host = true
		s.hostID = next.UserID
	}
}

// SetReady toggles readiness. Rejected once a game is underway.
func (s *Session) SetReady(userID string, ready bool) error {
	if s.state != StateWaiting {
		return ErrNotWaiting
	}
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	if ready {
		p.State = PlayerReady
	} else {
		p.State = PlayerConnected
	}
	s.touch()
	s.broadcastLobbyState()
	return nil
}

// SetCharacter picks a character. Rejected once a game is underway.
func (s *Session) SetCharacter(userID, characterID string) error {
	if s.state != StateWaiting {
		return ErrNotWaiting
	}
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	p.Character = characterID
	s.touch()
	s.broadcastLobbyState()
	return nil
}

// SetStage picks the stage (host only) and pushes the geometry into the
// validator.
func (s *Session) SetStage(userID, stageID string) error {
	if s.state != StateWaiting {
		return ErrNotWaiting
	}
	if _, ok := s.players[userID]; !ok {
		return ErrNotInSession
	}
	if userID != s.hostID {
		return ErrNotHost
	}
	if err := s.applyStage(stageID); err != nil {
		return err
	}
	s.touch()
	s.broadcastLobbyState()
	return nil
}

func (s *Session) applyStage(stageID string) error {
	geom, err := s.deps.Stages.Geometry(stageID)
	if err != nil {
		return err
	}
	s.stageID = stageID
	s.validator.SetStageGeometry(geom)
	return nil
}

// CanStart reports whether the lobby requirements are met: WAITING, at
// least two players, all ready, all with characters, and a stage selected.
func (s *Session) CanStart() bool {
	if s.state != StateWaiting || len(s.players) < 2 || s.stageID == "" {
		return false
	}
	for _, p := range s.players {
		if p.State != PlayerReady && p.State != PlayerPlaying {
			return false
		}
		if p.Character == "" {
			return false
		}
	}
	return true
}

// StartGame re-validates, creates the persisted match record, and begins
// the countdown toward PLAYING.
func (s *Session) StartGame(ctx context.Context, requesterID string) error {
	if _, ok := s.players[requesterID]; !ok {
		return ErrNotInSession
	}
	if !s.CanStart() {
		return ErrCannotStart
	}

	matchID := newMatchID()
	userIDs := make([]string, 0, len(s.players))
	for id := range s.players {
		userIDs = append(userIDs, id)
	}
	if err := s.deps.Recorder.CreateMatch(ctx, matchID, s.ID, s.stageID, userIDs); err != nil {
		return errors.Wrap(err, "creating match record")
	}

	s.matchID = matchID
	s.state = StateStarting
	s.touch()
	s.log.WithField("match", matchID).Info("match starting")

	s.countdownTask = s.deps.Loop.After(s.cfg.Countdown, func() {
		s.beginPlay()
	})
	return nil
}

// abortCountdown returns a STARTING session to WAITING.
func (s *Session) abortCountdown() {
	if s.countdownTask != nil {
		s.countdownTask.Cancel()
		s.countdownTask = nil
	}
	s.state = StateWaiting
	s.matchID = ""
}

// beginPlay fires after the countdown: transition to PLAYING, send every
// player's authoritative spawn state, and start the simulation tick and
// the independent wall-clock match timer.
func (s *Session) beginPlay() {
	if s.state != StateStarting {
		return
	}
	ctx := context.Background()

	// Fresh physics state for everyone: stage spawn by join order, full
	// stocks. Players seated before the stage was chosen get real spawns
	// here, and a rematch starts from a clean slate.
	for _, p := range s.players {
		if err := s.validator.Initialize(ctx, p.UserID, s.spawnFor(p.JoinIndex), s.cfg.Stocks); err != nil {
			s.log.WithError(err).Error("constants unavailable, aborting start")
			s.abortCountdown()
			s.broadcastLobbyState()
			return
		}
	}

	if err := s.deps.Recorder.StartMatch(ctx, s.matchID, s.clock()); err != nil {
		s.log.WithError(err).Warn("failed to record match start")
	}

	s.state = StatePlaying
	s.elapsedAccum = 0
	s.timerRunning = true
	s.lastResumeAt = s.clock()
	for k := range s.damageDealt {
		delete(s.damageDealt, k)
	}
	for k := range s.damageTaken {
		delete(s.damageTaken, k)
	}

	roster := s.roster()
	for _, p := range s.players {
		p.State = PlayerPlaying
		p.Eliminated = false
	}
	s.broadcast(protocol.KindGameStarted, protocol.GameStartedPayload{
		SessionID:        s.ID,
		Roster:           roster,
		Stage:            s.stageID,
		TimeLimitSeconds: int(s.cfg.TimeLimit / time.Second),
		Stocks:           s.cfg.Stocks,
	}, "")
	for id, p := range s.players {
		if snap, ok := s.validator.Snapshot(id); ok && p.Conn != nil {
			p.Conn.Send(protocol.KindServerState, protocol.ServerStatePayload{
				X: snap.Position.X, Y: snap.Position.Y,
				VX: snap.Velocity.X, VY: snap.Velocity.Y,
				Sequence: p.LastSequence,
			})
		}
	}

	s.simTask = s.deps.Loop.Every(s.cfg.TickInterval, s.simTick)
	s.timerTask = s.deps.Loop.Every(s.cfg.TimerInterval, s.timerTick)
	s.log.WithField("match", s.matchID).Info("match live")
}

// Elapsed returns frozen-aware play time.
func (s *Session) Elapsed() time.Duration {
	e := s.elapsedAccum
	if s.timerRunning {
		e += s.clock().Sub(s.lastResumeAt)
	}
	return e
}

// Remaining returns time left on the match clock.
func (s *Session) Remaining() time.Duration {
	r := s.cfg.TimeLimit - s.Elapsed()
	if r < 0 {
		r = 0
	}
	return r
}

func (s *Session) pauseTimer() {
	if s.timerRunning {
		s.elapsedAccum += s.clock().Sub(s.lastResumeAt)
		s.timerRunning = false
	}
	if s.timerTask != nil {
		s.timerTask.Cancel()
		s.timerTask = nil
	}
	if s.simTask != nil {
		s.simTask.Cancel()
		s.simTask = nil
	}
}

func (s *Session) resumeTimer() {
	if !s.timerRunning {
		s.timerRunning = true
		s.lastResumeAt = s.clock()
	}
	if s.simTask == nil {
		s.simTask = s.deps.Loop.Every(s.cfg.TickInterval, s.simTick)
	}
	if s.timerTask == nil {
		s.timerTask = s.deps.Loop.Every(s.cfg.TimerInterval, s.timerTick)
	}
}

// simTick advances the authoritative simulation one frame.
func (s *Session) simTick() {
	if s.state != StatePlaying {
		return
	}
	knockouts, err := s.validator.Tick(context.Background(), s.clock())
	if err != nil {
		// Running with unvalidated physics constants is unsafe.
		s.log.WithError(err).Error("constants unavailable, aborting match")
		s.endMatch(context.Background(), &Result{EndReason: EndReasonDisconnect})
		return
	}
	for _, ko := range knockouts {
		s.handleKnockout(context.Background(), ko)
		if s.state != StatePlaying {
			return
		}
	}
}

// timerTick is the 1 Hz wall-clock update.
func (s *Session) timerTick() {
	if s.state != StatePlaying {
		return
	}
	s.broadcast(protocol.KindMatchTimer, protocol.MatchTimerPayload{
		RemainingSeconds: int(s.Remaining() / time.Second),
		ElapsedSeconds:   int(s.Elapsed() / time.Second),
		Paused:           false,
	}, "")
	if s.Remaining() <= 0 {
		s.endByTimeout(context.Background())
	}
}

// HandleMove validates a client-reported move. Accepted state is broadcast
// to the other players and echoed to the sender; a rejection sends a
// correction to the sender only.
func (s *Session) HandleMove(ctx context.Context, userID string, mv protocol.MovePayload) error {
	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}

	verdict, err := s.validator.ValidateMovement(ctx, userID,
		physics.Vec2{X: mv.X, Y: mv.Y}, physics.Vec2{X: mv.VX, Y: mv.VY}, s.clock())
	if err != nil {
		return err
	}
	s.touch()

	if !verdict.Accepted {
		if p.Conn != nil {
			p.Conn.Send(protocol.KindPositionCorrection, protocol.PositionCorrectionPayload{
				X:  verdict.CorrectedPosition.X,
				Y:  verdict.CorrectedPosition.Y,
				VX: verdict.CorrectedVelocity.X,
				VY: verdict.CorrectedVelocity.Y,
				Reason:   string(verdict.Reason),
				Sequence: mv.Sequence,
			})
		}
		return nil
	}

	p.LastSequence = mv.Sequence
	if mv.Facing != "" {
		p.Facing = mv.Facing
	}
	s.broadcast(protocol.KindPlayerMove, protocol.PlayerMoveBroadcast{
		UserID: userID,
		X:      mv.X, Y: mv.Y, VX: mv.VX, VY: mv.VY,
		Facing:   p.Facing,
		Sequence: mv.Sequence,
	}, userID)
	if p.Conn != nil {
		p.Conn.Send(protocol.KindServerState, protocol.ServerStatePayload{
			X: mv.X, Y: mv.Y, VX: mv.VX, VY: mv.VY, Sequence: mv.Sequence,
		})
	}
	return nil
}

// HandleInput relays a buffered input to the other players in receipt
// order; inputs are never coalesced or reordered.
func (s *Session) HandleInput(userID string, in protocol.InputPayload) error {
	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	p.LastSequence = in.Sequence
	s.touch()
	s.broadcast(protocol.KindPlayerInput, protocol.InputBroadcast{
		UserID:   userID,
		Type:     in.Type,
		Payload:  in.Payload,
		Sequence: in.Sequence,
	}, userID)
	return nil
}

// HandleEvent relays a non-combat game event to the other players.
func (s *Session) HandleEvent(userID string, ev protocol.GameEventPayload) error {
	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	if _, ok := s.players[userID]; !ok {
		return ErrNotInSession
	}
	s.touch()
	s.broadcast(protocol.KindGameEvent, ev, userID)
	return nil
}

// HandleAttack validates and applies an attack. A knockout that leaves one
// player standing ends the match immediately.
func (s *Session) HandleAttack(ctx context.Context, attackerID string, atk protocol.AttackEventPayload) error {
	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	attacker, ok := s.players[attackerID]
	if !ok {
		return ErrNotInSession
	}
	knockback := physics.Vec2{X: atk.KnockbackX, Y: atk.KnockbackY}
	now := s.clock()

	if err := s.validator.ValidateAttack(ctx, attackerID, atk.TargetID, atk.Damage, knockback, now); err != nil {
		switch {
		case errors.Is(err, physics.ErrUnknownPlayer),
			errors.Is(err, physics.ErrCooldownActive),
			errors.Is(err, physics.ErrDamageOutOfRange),
			errors.Is(err, physics.ErrKnockbackTooStrong),
			errors.Is(err, physics.ErrTargetInvulnerable),
			errors.Is(err, physics.ErrOutOfAttackRange):
			if attacker.Conn != nil {
				attacker.Conn.Send(protocol.KindAttackRejected, protocol.AttackRejectedPayload{
					TargetID: atk.TargetID,
					Reason:   err.Error(),
				})
			}
			return nil
		default:
			return err
		}
	}

	snap, ko, err := s.validator.ApplyDamage(ctx, atk.TargetID, atk.Damage, knockback, now)
	if err != nil {
		return err
	}
	s.touch()
	s.damageDealt[attackerID] += atk.Damage
	s.damageTaken[atk.TargetID] += atk.Damage

	s.broadcast(protocol.KindAttackHit, protocol.AttackHitPayload{
		AttackerID: attackerID,
		TargetID:   atk.TargetID,
		Damage:     atk.Damage,
		Health:     snap.Health,
		Stocks:     snap.Stocks,
		KnockedOut: ko != nil,
		X:          snap.Position.X,
		Y:          snap.Position.Y,
		VX:         snap.Velocity.X,
		VY:         snap.Velocity.Y,
	}, "")

	if ko != nil {
		s.handleKnockout(ctx, *ko)
	}
	return nil
}

// handleKnockout marks eliminations and ends the match when one player
// remains with stocks.
func (s *Session) handleKnockout(ctx context.Context, ko physics.Knockout) {
	p, ok := s.players[ko.PlayerID]
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"user_id":     ko.PlayerID,
		"stocks_left": ko.StocksLeft,
		"x":           ko.RespawnedAt.X,
		"y":           ko.RespawnedAt.Y,
	})
	s.broadcast(protocol.KindGameEvent, protocol.GameEventPayload{
		Type:    "knockout",
		Payload: body,
	}, "")

	if ko.StocksLeft <= 0 {
		p.Eliminated = true
		s.log.WithField("user", ko.PlayerID).Info("player eliminated")
		s.evaluateElimination(ctx)
	}
}

// evaluateElimination ends the match with reason knockout when exactly one
// non-eliminated player remains.
func (s *Session) evaluateElimination(ctx context.Context) {
	var standing []*Player
	for _, p := range s.players {
		if !p.Eliminated {
			standing = append(standing, p)
		}
	}
	if len(standing) != 1 {
		return
	}
	winner := standing[0]
	var loserID string
	if len(s.players) == 2 {
		for id := range s.players {
			if id != winner.UserID {
				loserID = id
			}
		}
	}
	s.endMatch(ctx, &Result{
		WinnerID:  winner.UserID,
		LoserID:   loserID,
		EndReason: EndReasonKnockout,
	})
}

// evaluateLastStanding ends the match when a quit or failed reconnect
// leaves exactly one non-disconnected player.
func (s *Session) evaluateLastStanding(ctx context.Context, reason EndReason) {
	var standing []*Player
	for _, p := range s.players {
		if p.State != PlayerDisconnected {
			standing = append(standing, p)
		}
	}
	if len(standing) != 1 {
		if len(standing) == 0 {
			s.endMatch(ctx, &Result{EndReason: reason})
		}
		return
	}
	winner := standing[0]
	var loserID string
	if len(s.players) == 2 {
		for id := range s.players {
			if id != winner.UserID {
				loserID = id
			}
		}
	}
	s.endMatch(ctx, &Result{
		WinnerID:  winner.UserID,
		LoserID:   loserID,
		EndReason: reason,
	})
}

// endByTimeout picks a winner by stocks remaining, breaking ties by least
// accumulated damage; a full tie ends with no winner.
func (s *Session) endByTimeout(ctx context.Context) {
	type standing struct {
		id     string
		stocks int
		taken  float64
	}
	var ranked []standing
	for id := range s.players {
		snap, ok := s.validator.Snapshot(id)
		if !ok {
			continue
		}
		ranked = append(ranked, standing{id: id, stocks: snap.Stocks, taken: s.damageTaken[id]})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].stocks != ranked[j].stocks {
			return ranked[i].stocks > ranked[j].stocks
		}
		return ranked[i].taken < ranked[j].taken
	})

	result := &Result{EndReason: EndReasonTimeout}
	if len(ranked) >= 2 {
		top, second := ranked[0], ranked[1]
		if top.stocks != second.stocks || top.taken != second.taken {
			result.WinnerID = top.id
			if len(ranked) == 2 {
				result.LoserID = second.id
			}
		}
	}
	s.endMatch(ctx, result)
}

// HandleDisconnect marks a player disconnected and, mid-match, pauses the
// game and freezes the match timer. A reconnection deadline is scheduled;
// players past the disconnect-count ceiling are removed outright.
func (s *Session) HandleDisconnect(ctx context.Context, userID string) error {
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	now := s.clock()
	p.State = PlayerDisconnected
	p.Conn = nil
	p.DisconnectedAt = now
	p.DisconnectCount++
	s.touch()
	s.log.WithFields(logrus.Fields{"user": userID, "count": p.DisconnectCount}).Info("player disconnected")

	s.reassignHost()

	if p.DisconnectCount > s.cfg.MaxDisconnects {
		s.log.WithField("user", userID).Warn("disconnect ceiling reached, removing player")
		return s.removeMidMatch(ctx, userID, EndReasonDisconnect)
	}

	if s.state == StateStarting {
		s.abortCountdown()
		s.broadcastLobbyState()
	}

	if s.state == StatePlaying {
		s.state = StatePaused
		s.pauseTimer()
		s.broadcast(protocol.KindGamePaused, protocol.GamePausedPayload{
			UserID: userID,
			Reason: "player_disconnected",
		}, "")
	}

	grace := s.reconnectBudget(p)
	if grace <= 0 {
		return s.removeMidMatch(ctx, userID, EndReasonDisconnect)
	}
	s.broadcast(protocol.KindPlayerDisconnected, protocol.PlayerDisconnectedPayload{
		UserID:             userID,
		GracePeriodSeconds: int(grace / time.Second),
	}, "")

	p.cancelReconnectDeadline()
	p.reconnectDeadline = s.deps.Loop.After(grace, func() {
		s.reconnectExpired(userID)
	})

	if s.ConnectedCount() == 0 {
		s.scheduleCleanupIfAbandoned()
	}
	return nil
}

// reconnectBudget bounds one grace period by the player's remaining
// cumulative reconnection time.
func (s *Session) reconnectBudget(p *Player) time.Duration {
	remaining := s.cfg.MaxReconnectTime - p.Downtime
	if remaining < s.cfg.ReconnectGrace {
		return remaining
	}
	return s.cfg.ReconnectGrace
}

// reconnectExpired fires on the loop when a grace period lapses.
func (s *Session) reconnectExpired(userID string) {
	p, ok := s.players[userID]
	if !ok || p.State != PlayerDisconnected {
		return
	}
	s.log.WithField("user", userID).Info("reconnection window expired")
	_ = s.removeMidMatch(context.Background(), userID, EndReasonDisconnect)
	if s.state == StatePaused {
		// The quit may have left several players; resume if nobody else
		// is disconnected.
		s.maybeResume()
	}
}

// HandleReconnect restores a disconnected player's seat with a fresh
// connection and, when this was the last missing player, resumes play.
func (s *Session) HandleReconnect(ctx context.Context, userID string, conn Conn) error {
	p, ok := s.players[userID]
	if !ok {
		return ErrNotInSession
	}
	if p.State != PlayerDisconnected {
		return ErrNotDisconnected
	}
	now := s.clock()
	downtime := now.Sub(p.DisconnectedAt)
	p.Downtime += downtime
	p.cancelReconnectDeadline()
	p.Conn = conn
	if s.state == StatePlaying || s.state == StatePaused {
		p.State = PlayerPlaying
	} else {
		p.State = PlayerConnected
	}
	s.cancelCleanupDeadline()
	s.reassignHost()
	s.touch()
	s.log.WithFields(logrus.Fields{"user": userID, "downtime": downtime}).Info("player reconnected")

	s.broadcast(protocol.KindPlayerReconnected, protocol.PlayerReconnectedPayload{
		UserID:          userID,
		DowntimeSeconds: int(downtime / time.Second),
	}, userID)

	s.sendSnapshot(p)
	s.maybeResume()
	return nil
}

// maybeResume returns a PAUSED session to PLAYING once every player is
// back, resuming the timer from its frozen value.
func (s *Session) maybeResume() {
	if s.state != StatePaused {
		return
	}
	for _, p := range s.players {
		if p.State == PlayerDisconnected {
			return
		}
	}
	s.state = StatePlaying
	s.resumeTimer()
	s.broadcast(protocol.KindGameResumed, struct{}{}, "")
}

// sendSnapshot pushes the full room state to one connection.
func (s *Session) sendSnapshot(p *Player) {
	if p.Conn == nil {
		return
	}
	p.Conn.Send(protocol.KindLobbyState, s.RoomState())
	if s.state == StatePlaying || s.state == StatePaused {
		for id := range s.players {
			snap, ok := s.validator.Snapshot(id)
			if !ok {
				continue
			}
			if id == p.UserID {
				p.Conn.Send(protocol.KindServerState, protocol.ServerStatePayload{
					X: snap.Position.X, Y: snap.Position.Y,
					VX: snap.Velocity.X, VY: snap.Velocity.Y,
					Sequence: p.LastSequence,
				})
				continue
			}
			other := s.players[id]
			p.Conn.Send(protocol.KindPlayerMove, protocol.PlayerMoveBroadcast{
				UserID: id,
				X:      snap.Position.X, Y: snap.Position.Y,
				VX: snap.Velocity.X, VY: snap.Velocity.Y,
				Facing:   other.Facing,
				Sequence: other.LastSequence,
			})
		}
		p.Conn.Send(protocol.KindMatchTimer, protocol.MatchTimerPayload{
			RemainingSeconds: int(s.Remaining() / time.Second),
			ElapsedSeconds:   int(s.Elapsed() / time.Second),
			Paused:           s.state == StatePaused,
		})
	}
}

// EndMatchWithResults finishes a live match with an externally decided
// result (operator intervention, vote, and the like).
func (s *Session) EndMatchWithResults(ctx context.Context, result *Result) error {
	if s.state != StatePlaying && s.state != StatePaused {
		return ErrNotPlaying
	}
	s.endMatch(ctx, result)
	return nil
}

// endMatch persists the result, cancels every outstanding task, stores the
// result for late queries, and returns the room to WAITING with selections
// cleared so it is reusable without reconstruction.
func (s *Session) endMatch(ctx context.Context, result *Result) {
	if s.state != StatePlaying && s.state != StatePaused && s.state != StateStarting {
		return
	}
	now := s.clock()
	s.pauseTimer()
	if s.countdownTask != nil {
		s.countdownTask.Cancel()
		s.countdownTask = nil
	}
	s.state = StateEnded

	result.MatchID = s.matchID
	result.SessionID = s.ID
	result.Duration = s.Elapsed()
	result.EndedAt = now
	result.Scores = make(map[string]int, len(s.players))
	for id := range s.players {
		if snap, ok := s.validator.Snapshot(id); ok {
			result.Scores[id] = snap.Stocks
		}
	}
	result.Placements = s.placements(result)

	participants := make([]ParticipantStats, 0, len(s.players))
	for id, p := range s.players {
		snap, _ := s.validator.Snapshot(id)
		participants = append(participants, ParticipantStats{
			UserID:      id,
			Placement:   result.Placements[id],
			StocksLeft:  snap.Stocks,
			DamageDealt: s.damageDealt[id],
			DamageTaken: s.damageTaken[id],
			Disconnects: p.DisconnectCount,
		})
	}
	if err := s.deps.Recorder.EndMatch(ctx, s.matchID, result, participants); err != nil {
		// Gameplay is never stuck on persistence; the result is just not
		// durably recorded.
		s.log.WithError(err).Error("failed to persist match result")
	}

	s.lastResult = result
	s.log.WithFields(logrus.Fields{
		"match":  s.matchID,
		"winner": result.WinnerID,
		"reason": result.EndReason,
	}).Info("match ended")

	s.broadcast(protocol.KindMatchEnd, protocol.MatchEndPayload{
		SessionID:       s.ID,
		WinnerID:        result.WinnerID,
		LoserID:         result.LoserID,
		EndReason:       string(result.EndReason),
		Scores:          result.Scores,
		Placements:      result.Placements,
		DurationSeconds: int(result.Duration / time.Second),
	}, "")

	s.resetToLobby()
}

// placements ranks players: winner first, then remaining players by stocks
// remaining, ties broken by least damage taken. Deterministic regardless
// of join order.
func (s *Session) placements(result *Result) map[string]int {
	type standing struct {
		id     string
		stocks int
		taken  float64
	}
	var rest []standing
	for id := range s.players {
		if id == result.WinnerID {
			continue
		}
		snap, _ := s.validator.Snapshot(id)
		rest = append(rest, standing{id: id, stocks: snap.Stocks, taken: s.damageTaken[id]})
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].stocks != rest[j].stocks {
			return rest[i].stocks > rest[j].stocks
		}
		if rest[i].taken != rest[j].taken {
			return rest[i].taken < rest[j].taken
		}
		return rest[i].id < rest[j].id
	})

	placements := make(map[string]int, len(s.players))
	next := 1
	if result.WinnerID != "" {
		placements[result.WinnerID] = 1
		next = 2
	}
	for _, st := range rest {
		placements[st.id] = next
		next++
	}
	return placements
}

// resetToLobby clears selections and returns the room to WAITING.
// Disconnected players lose their seats.
func (s *Session) resetToLobby() {
	s.state = StateWaiting
	s.matchID = ""
	s.stageID = ""
	s.validator.SetStageGeometry(nil)
	s.elapsedAccum = 0
	s.timerRunning = false

	for id, p := range s.players {
		if p.State == PlayerDisconnected {
			p.cancelReconnectDeadline()
			s.validator.Remove(id)
			delete(s.players, id)
			continue
		}
		p.State = PlayerConnected
		p.Character = ""
		p.Eliminated = false
	}
	s.reassignHost()
	s.scheduleCleanupIfAbandoned()
	s.broadcastLobbyState()
}

// scheduleCleanupIfAbandoned arms the room-cleanup deadline once zero
// connected players remain. Any reconnect or join cancels it.
func (s *Session) scheduleCleanupIfAbandoned() {
	if !s.cfg.AutoCleanup || s.deps.OnEmpty == nil {
		return
	}
	if s.ConnectedCount() > 0 || s.cleanupTask != nil {
		return
	}
	s.cleanupTask = s.deps.Loop.After(s.cfg.CleanupDelay, func() {
		s.cleanupTask = nil
		if s.ConnectedCount() == 0 {
			s.deps.OnEmpty(s)
		}
	})
}

func (s *Session) cancelCleanupDeadline() {
	if s.cleanupTask != nil {
		s.cleanupTask.Cancel()
		s.cleanupTask = nil
	}
}

// Shutdown cancels every outstanding task. Called by the router when the
// room is reclaimed.
func (s *Session) Shutdown() {
	s.pauseTimer()
	if s.countdownTask != nil {
		s.countdownTask.Cancel()
		s.countdownTask = nil
	}
	s.cancelCleanupDeadline()
	for _, p := range s.players {
		p.cancelReconnectDeadline()
	}
}

// RoomState builds the lobby snapshot for introspection and for
// request_room_state.
func (s *Session) RoomState() protocol.LobbyStatePayload {
	return protocol.LobbyStatePayload{
		SessionID: s.ID,
		State:     string(s.state),
		Roster:    s.roster(),
		Stage:     s.stageID,
	}
}

func (s *Session) roster() []protocol.RosterEntry {
	roster := make([]protocol.RosterEntry, 0, len(s.players))
	for _, p := range s.players {
		roster = append(roster, p.rosterEntry())
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster
}

func (s *Session) broadcastLobbyState() {
	s.broadcast(protocol.KindLobbyState, s.RoomState(), "")
}

// broadcast fans a payload out to every connected player, optionally
// skipping one user id.
func (s *Session) broadcast(kind protocol.Kind, payload any, except string) {
	for id, p := range s.players {
		if id == except || p.Conn == nil {
			continue
		}
		p.Conn.Send(kind, payload)
	}
}

func newMatchID() string {
	return uuid.NewString()
}
