// Package server owns the live connections and routes every inbound
// protocol message to the session (or the matchmaking scheduler) that
// should handle it. All handlers run on the single event loop.
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"arenacore/internal/eventloop"
	"arenacore/internal/game"
	"arenacore/internal/matchmaking"
	"arenacore/internal/protocol"
	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

// RouterDeps are the collaborators shared by every session the router
// creates.
type RouterDeps struct {
	Stages    stage.Source
	Constants tuning.Source
	Recorder  game.MatchRecorder
	Verifier  TokenVerifier
	Metrics   *Metrics
	Log       *logrus.Entry
}

// Router maintains the connection→identity map and the process-wide set of
// active sessions.
type Router struct {
	loop       *eventloop.Loop
	deps       RouterDeps
	sessionCfg game.Config
	rateLimit  time.Duration
	log        *logrus.Entry

	scheduler *matchmaking.Scheduler

	// Loop-owned state.
	clients      map[string]*Client // by user id, post-authentication
	sessions     map[string]*game.Session
	sessionOrder []string
	playerIndex  map[string]*game.Session
}

// NewRouter builds a router. AttachScheduler must be called before any
// traffic is dispatched.
func NewRouter(loop *eventloop.Loop, sessionCfg game.Config, rateLimit time.Duration, deps RouterDeps) (*Router, error) {
	if err := sessionCfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Router{
		loop:        loop,
		deps:        deps,
		sessionCfg:  sessionCfg,
		rateLimit:   rateLimit,
		log:         log.WithField("component", "router"),
		clients:     make(map[string]*Client),
		sessions:    make(map[string]*game.Session),
		playerIndex: make(map[string]*game.Session),
	}, nil
}

// AttachScheduler injects the matchmaking scheduler. The scheduler is
// constructed after the router because it uses the router as its session
// pool.
func (r *Router) AttachScheduler(s *matchmaking.Scheduler) {
	r.scheduler = s
}

// dispatch hands an inbound envelope to the loop. Per-connection receipt
// order is preserved: the read pump submits from a single goroutine and
// the loop is FIFO.
func (r *Router) dispatch(c *Client, env protocol.Envelope) {
	if !r.loop.Submit(func() { r.handle(c, env) }) {
		c.SendError("server busy")
	}
}

// clientClosed is invoked from the connection's read/write pumps.
func (r *Router) clientClosed(c *Client) {
	r.loop.Submit(func() { r.handleClosed(c) })
}

func (r *Router) handle(c *Client, env protocol.Envelope) {
	// Clients control the action string, so only known kinds may become
	// label values.
	label := string(env.Action)
	if !protocol.KnownInbound(env.Action) {
		label = "unknown"
	}
	r.deps.Metrics.MessagesTotal.WithLabelValues(label).Inc()

	if env.Action == protocol.KindAuthenticate {
		r.handleAuthenticate(c, env.Data)
		return
	}
	if !c.authed {
		c.SendError("not authenticated")
		return
	}

	ctx := context.Background()
	userID := c.identity.UserID

	switch env.Action {
	case protocol.KindJoinQueue:
		r.handleJoinQueue(c, env.Data)
	case protocol.KindLeaveQueue:
		if err := r.scheduler.Remove(userID); err != nil {
			c.SendError(err.Error())
			return
		}
		r.deps.Metrics.QueueDepth.Set(float64(r.scheduler.Len()))

	case protocol.KindSelectCharacter:
		var p protocol.SelectCharacterPayload
		r.withSession(c, env.Data, &p, func(s *game.Session) error {
			return s.SetCharacter(userID, p.CharacterID)
		})
	case protocol.KindSelectStage:
		var p protocol.SelectStagePayload
		r.withSession(c, env.Data, &p, func(s *game.Session) error {
			return s.SetStage(userID, p.StageID)
		})
	case protocol.KindPlayerReady:
		var p protocol.PlayerReadyPayload
		r.withSession(c, env.Data, &p, func(s *game.Session) error {
			if err := s.SetReady(userID, p.Ready); err != nil {
				return err
			}
			// Readiness is the last lobby gate; start as soon as the
			// room qualifies.
			if s.CanStart() {
				return s.StartGame(ctx, userID)
			}
			return nil
		})
	case protocol.KindPlayerMove:
		var p protocol.MovePayload
		r.withSession(c, env.Data, &p, func(s *game.Session) error {
			return s.HandleMove(ctx, userID, p)
		})
	case protocol.KindPlayerInput:
		var p protocol.InputPayload
		r.withSession(c, env.Data, &p, func(s *game.Session) error {
			return s.HandleInput(userID, p)
		})
	case protocol.KindGameEvent:
		r.handleGameEvent(ctx, c, env.Data)
	case protocol.KindPlayerQuit:
		r.withSession(c, nil, nil, func(s *game.Session) error {
			err := s.HandleQuit(ctx, userID)
			delete(r.playerIndex, userID)
			return err
		})
	case protocol.KindLeaveRoom:
		r.withSession(c, nil, nil, func(s *game.Session) error {
			var err error
			if s.State() == game.StateWaiting {
				err = s.RemovePlayer(userID)
			} else {
				err = s.HandleQuit(ctx, userID)
			}
			delete(r.playerIndex, userID)
			return err
		})
	case protocol.KindRequestRoomState:
		r.withSession(c, nil, nil, func(s *game.Session) error {
			c.Send(protocol.KindLobbyState, s.RoomState())
			if last := s.LastResult(); last != nil {
				c.Send(protocol.KindMatchEnd, protocol.MatchEndPayload{
					SessionID:       s.ID,
					WinnerID:        last.WinnerID,
					LoserID:         last.LoserID,
					EndReason:       string(last.EndReason),
					Scores:          last.Scores,
					Placements:      last.Placements,
					DurationSeconds: int(last.Duration / time.Second),
				})
			}
			return nil
		})

	default:
		c.SendError("unsupported action")
	}
}

// withSession decodes the payload, resolves the sender's session, and
// reports any named error back to the requesting connection only.
func (r *Router) withSession(c *Client, raw json.RawMessage, payload any, fn func(*game.Session) error) {
	if payload != nil {
		if err := json.Unmarshal(raw, payload); err != nil {
			c.SendError("invalid payload")
			return
		}
	}
	sess := r.resolveSession(c.identity.UserID)
	if sess == nil {
		c.SendError("not in a room")
		return
	}
	if err := fn(sess); err != nil {
		c.SendError(err.Error())
	}
}

// resolveSession finds the sender's session, pruning index entries for
// players the session has since dropped.
func (r *Router) resolveSession(userID string) *game.Session {
	sess, ok := r.playerIndex[userID]
	if !ok {
		return nil
	}
	if !sess.HasPlayer(userID) {
		delete(r.playerIndex, userID)
		return nil
	}
	return sess
}

func (r *Router) handleAuthenticate(c *Client, raw json.RawMessage) {
	var p protocol.AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError("invalid authenticate payload")
		return
	}
	identity, err := r.deps.Verifier.Verify(p.Token)
	if err != nil {
		r.deps.Metrics.AuthFailures.Inc()
		c.Send(protocol.KindAuthenticated, protocol.AuthenticatedPayload{OK: false, Error: "invalid token"})
		return
	}

	if existing, ok := r.clients[identity.UserID]; ok && existing != c {
		existing.SendError("signed in from another connection")
		existing.close("superseded by new connection")
	}

	c.identity = identity
	c.authed = true
	r.clients[identity.UserID] = c
	r.deps.Metrics.ConnectedClients.Set(float64(len(r.clients)))
	r.log.WithField("user", identity.UserID).Info("authenticated")

	c.Send(protocol.KindAuthenticated, protocol.AuthenticatedPayload{
		OK:       true,
		UserID:   identity.UserID,
		Username: identity.Username,
	})

	// A verified identity with a disconnected seat resumes it.
	if sess := r.resolveSession(identity.UserID); sess != nil {
		if err := sess.HandleReconnect(context.Background(), identity.UserID, c); err != nil {
			r.log.WithError(err).WithField("user", identity.UserID).Debug("no reconnect performed")
		}
	}
}

func (r *Router) handleJoinQueue(c *Client, raw json.RawMessage) {
	var p protocol.JoinQueuePayload
	if raw != nil {
		if err := json.Unmarshal(raw, &p); err != nil {
			c.SendError("invalid join_queue payload")
			return
		}
	}
	if r.resolveSession(c.identity.UserID) != nil {
		c.SendError("already in a room")
		return
	}
	position, err := r.scheduler.Enqueue(c.identity, c, p.Preferences)
	if err != nil {
		c.SendError(err.Error())
		return
	}
	r.deps.Metrics.QueueDepth.Set(float64(r.scheduler.Len()))
	c.Send(protocol.KindQueueStatus, protocol.QueueStatusPayload{Position: position})
}

func (r *Router) handleGameEvent(ctx context.Context, c *Client, raw json.RawMessage) {
	var ev protocol.GameEventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.SendError("invalid game_event payload")
		return
	}
	sess := r.resolveSession(c.identity.UserID)
	if sess == nil {
		c.SendError("not in a room")
		return
	}

	if ev.Type == "attack" {
		var atk protocol.AttackEventPayload
		if err := json.Unmarshal(ev.Payload, &atk); err != nil {
			c.SendError("invalid attack payload")
			return
		}
		if err := sess.HandleAttack(ctx, c.identity.UserID, atk); err != nil {
			c.SendError(err.Error())
		}
		return
	}

	if err := sess.HandleEvent(c.identity.UserID, ev); err != nil {
		c.SendError(err.Error())
	}
}

// handleClosed runs on the loop when a connection's pumps exit.
func (r *Router) handleClosed(c *Client) {
	if !c.authed {
		return
	}
	userID := c.identity.UserID
	if current, ok := r.clients[userID]; ok && current == c {
		delete(r.clients, userID)
		r.deps.Metrics.ConnectedClients.Set(float64(len(r.clients)))
	} else {
		// A newer connection owns this identity; nothing to unwind.
		return
	}

	if r.scheduler.Contains(userID) {
		_ = r.scheduler.Remove(userID)
		r.deps.Metrics.QueueDepth.Set(float64(r.scheduler.Len()))
	}

	sess := r.resolveSession(userID)
	if sess == nil {
		return
	}
	if sess.State() == game.StateWaiting {
		_ = sess.RemovePlayer(userID)
		delete(r.playerIndex, userID)
		return
	}
	if err := sess.HandleDisconnect(context.Background(), userID); err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("disconnect handling failed")
	}
}

// OpenSessions implements matchmaking.SessionPool.
func (r *Router) OpenSessions() []*game.Session {
	var open []*game.Session
	for _, id := range r.sessionOrder {
		if sess, ok := r.sessions[id]; ok && sess.HasOpenSlots() {
			open = append(open, sess)
		}
	}
	return open
}

// Seat implements matchmaking.SessionPool.
func (r *Router) Seat(s *game.Session, e *matchmaking.Entry) error {
	if err := s.AddPlayer(context.Background(), e.Identity, e.Conn); err != nil {
		return err
	}
	r.playerIndex[e.Identity.UserID] = s
	return nil
}

// CreateSession implements matchmaking.SessionPool: builds a session for a
// freshly formed group. On any seating failure the partial session is torn
// down so the scheduler can requeue the whole group.
func (r *Router) CreateSession(entries []*matchmaking.Entry) (*game.Session, error) {
	cfg := r.sessionCfg
	cfg.StageID = sharedStagePreference(entries)

	sess, err := game.NewSession(uuid.NewString(), cfg, game.Deps{
		Loop:      r.loop,
		Stages:    r.deps.Stages,
		Constants: r.deps.Constants,
		Recorder:  r.deps.Recorder,
		Log:       r.log,
		OnEmpty:   r.reclaimSession,
	})
	if err != nil {
		return nil, err
	}

	for i, e := range entries {
		if err := sess.AddPlayer(context.Background(), e.Identity, e.Conn); err != nil {
			for _, seated := range entries[:i] {
				_ = sess.RemovePlayer(seated.Identity.UserID)
				delete(r.playerIndex, seated.Identity.UserID)
			}
			sess.Shutdown()
			return nil, err
		}
		r.playerIndex[e.Identity.UserID] = sess
	}

	r.sessions[sess.ID] = sess
	r.sessionOrder = append(r.sessionOrder, sess.ID)
	r.deps.Metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.log.WithFields(logrus.Fields{"session": sess.ID, "players": len(entries)}).Info("session created")
	return sess, nil
}

// sharedStagePreference presets the stage only when every entry asked for
// the same one.
func sharedStagePreference(entries []*matchmaking.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	want := entries[0].Preferences.Stage
	for _, e := range entries[1:] {
		if e.Preferences.Stage != want {
			return ""
		}
	}
	return want
}

// reclaimSession tears a session down: cancel its tasks, notify lingering
// connections, and drop it from the process-wide set.
func (r *Router) reclaimSession(s *game.Session) {
	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	state := s.RoomState()
	s.Shutdown()
	delete(r.sessions, s.ID)
	for i, id := range r.sessionOrder {
		if id == s.ID {
			r.sessionOrder = append(r.sessionOrder[:i], r.sessionOrder[i+1:]...)
			break
		}
	}
	for _, entry := range state.Roster {
		if r.playerIndex[entry.UserID] == s {
			delete(r.playerIndex, entry.UserID)
		}
		if c, ok := r.clients[entry.UserID]; ok {
			c.Send(protocol.KindRoomCleanedUp, protocol.RoomCleanedUpPayload{
				SessionID: s.ID,
				Reason:    "abandoned",
			})
		}
	}
	r.deps.Metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.deps.Metrics.RoomsCleaned.Inc()
	r.log.WithField("session", s.ID).Info("session reclaimed")
}

// CleanupSweep reclaims abandoned auto-cleanup rooms. Scheduled
// periodically by the process root; runs on the loop.
func (r *Router) CleanupSweep(idleAfter time.Duration) {
	now := time.Now()
	var stale []*game.Session
	for _, sess := range r.sessions {
		if !sess.AutoCleanup() {
			continue
		}
		if sess.ConnectedCount() == 0 && now.Sub(sess.LastActivity()) >= idleAfter {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		r.reclaimSession(sess)
	}
}

// Stats is a point-in-time snapshot for operational health checks.
type Stats struct {
	Sessions   int `json:"sessions"`
	Clients    int `json:"clients"`
	QueueDepth int `json:"queue_depth"`
}

// Snapshot must run on the loop; see Server.HandleHealth for the
// synchronized path.
func (r *Router) Snapshot() Stats {
	return Stats{
		Sessions:   len(r.sessions),
		Clients:    len(r.clients),
		QueueDepth: r.scheduler.Len(),
	}
}
