package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"arenacore/internal/eventloop"
	"arenacore/internal/game"
	"arenacore/internal/matchmaking"
	"arenacore/internal/protocol"
	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

func testSessionConfig() game.Config {
	return game.Config{
		MaxPlayers:       2,
		TimeLimit:        3 * time.Minute,
		Stocks:           3,
		ReconnectGrace:   30 * time.Second,
		MaxReconnectTime: 2 * time.Minute,
		MaxDisconnects:   3,
		AutoCleanup:      true,
		CleanupDelay:     5 * time.Minute,
		Countdown:        time.Second,
		TickInterval:     50 * time.Millisecond,
		TimerInterval:    time.Second,
	}
}

func newTestRouter(t *testing.T) (*Router, *matchmaking.Scheduler) {
	t.Helper()
	router, err := NewRouter(eventloop.New(256), testSessionConfig(), 0, RouterDeps{
		Stages: stage.DefaultCatalog(),
		Constants: &tuning.StaticSource{Snapshot: tuning.Constants{
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
		}},
		Recorder: game.NopRecorder{},
		Verifier: NewStaticTokenVerifier(map[string]game.Identity{
			"tok-alice": {UserID: "alice", Username: "Alice"},
			"tok-bob":   {UserID: "bob", Username: "Bob"},
		}),
	})
	require.NoError(t, err)
	scheduler := matchmaking.New(matchmaking.Config{MatchSize: 2, MaxWait: 2 * time.Minute}, router, nil, nil)
	router.AttachScheduler(scheduler)
	return router, scheduler
}

// testClient builds a Client whose pumps never run; handlers are invoked
// directly and outbound messages are read from the send buffer.
func testClient(r *Router) *Client {
	c := &Client{
		router: r,
		send:   make(chan []byte, 32),
		closed: make(chan struct{}),
		log:    r.log,
	}
	c.alive.Store(true)
	return c
}

func nextEnvelope(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	default:
		t.Fatal("expected a queued message")
		return protocol.Envelope{}
	}
}

func authenticate(t *testing.T, r *Router, c *Client, token string) {
	t.Helper()
	data, _ := json.Marshal(protocol.AuthenticatePayload{Token: token})
	r.handle(c, protocol.Envelope{Action: protocol.KindAuthenticate, Data: data})

	env := nextEnvelope(t, c)
	require.Equal(t, protocol.KindAuthenticated, env.Action)
	var p protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.True(t, p.OK)
}

func TestRouterAuthenticate(t *testing.T) {
	r, _ := newTestRouter(t)
	c := testClient(r)

	data, _ := json.Marshal(protocol.AuthenticatePayload{Token: "wrong"})
	r.handle(c, protocol.Envelope{Action: protocol.KindAuthenticate, Data: data})

	env := nextEnvelope(t, c)
	require.Equal(t, protocol.KindAuthenticated, env.Action)
	var p protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.False(t, p.OK)
	require.False(t, c.authed)

	authenticate(t, r, c, "tok-alice")
	require.True(t, c.authed)
	require.Equal(t, "alice", c.identity.UserID)
	require.Same(t, c, r.clients["alice"])
}

func TestRouterRejectsUnauthenticatedTraffic(t *testing.T) {
	r, _ := newTestRouter(t)
	c := testClient(r)

	r.handle(c, protocol.Envelope{Action: protocol.KindJoinQueue})

	env := nextEnvelope(t, c)
	require.Equal(t, protocol.KindError, env.Action)
}

func TestRouterUnsupportedAction(t *testing.T) {
	r, _ := newTestRouter(t)
	c := testClient(r)
	authenticate(t, r, c, "tok-alice")

	r.handle(c, protocol.Envelope{Action: protocol.Kind("teleport")})

	env := nextEnvelope(t, c)
	require.Equal(t, protocol.KindError, env.Action)
}

func TestRouterUnknownActionsShareMetricLabel(t *testing.T) {
	r, _ := newTestRouter(t)
	c := testClient(r)
	authenticate(t, r, c, "tok-alice")

	// Client-minted action strings must not become label values.
	r.handle(c, protocol.Envelope{Action: protocol.Kind("minted-1")})
	r.handle(c, protocol.Envelope{Action: protocol.Kind("minted-2")})

	require.Equal(t, 2.0, testutil.ToFloat64(r.deps.Metrics.MessagesTotal.WithLabelValues("unknown")))
	require.Equal(t, 2, testutil.CollectAndCount(r.deps.Metrics.MessagesTotal),
		"only authenticate and unknown labels exist")
}

func TestAdoptIdentitySkipsDeadConnection(t *testing.T) {
	r, _ := newTestRouter(t)
	c := testClient(r)
	c.alive.Store(false)

	r.adoptIdentity(c, game.Identity{UserID: "alice", Username: "Alice"})

	require.False(t, c.authed)
	require.NotContains(t, r.clients, "alice")
	require.Empty(t, c.send, "a dead client gets no messages")
}

func TestRouterQueueToSessionFlow(t *testing.T) {
	r, scheduler := newTestRouter(t)
	alice := testClient(r)
	bob := testClient(r)
	authenticate(t, r, alice, "tok-alice")
	authenticate(t, r, bob, "tok-bob")

	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	env := nextEnvelope(t, alice)
	require.Equal(t, protocol.KindQueueStatus, env.Action)
	var status protocol.QueueStatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.Equal(t, 1, status.Position)

	// Re-joining while queued is rejected.
	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	require.Equal(t, protocol.KindError, nextEnvelope(t, alice).Action)

	r.handle(bob, protocol.Envelope{Action: protocol.KindJoinQueue})
	require.Equal(t, protocol.KindQueueStatus, nextEnvelope(t, bob).Action)

	scheduler.Tick()

	stats := r.Snapshot()
	require.Equal(t, 1, stats.Sessions)
	require.Zero(t, stats.QueueDepth)
	require.NotNil(t, r.resolveSession("alice"))
	require.Same(t, r.resolveSession("alice"), r.resolveSession("bob"))
}

func TestRouterQueueRejectedWhileSeated(t *testing.T) {
	r, scheduler := newTestRouter(t)
	alice := testClient(r)
	bob := testClient(r)
	authenticate(t, r, alice, "tok-alice")
	authenticate(t, r, bob, "tok-bob")

	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	r.handle(bob, protocol.Envelope{Action: protocol.KindJoinQueue})
	scheduler.Tick()
	for len(alice.send) > 0 {
		<-alice.send
	}

	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	require.Equal(t, protocol.KindError, nextEnvelope(t, alice).Action)
}

func TestRouterLeaveRoomFromLobby(t *testing.T) {
	r, scheduler := newTestRouter(t)
	alice := testClient(r)
	bob := testClient(r)
	authenticate(t, r, alice, "tok-alice")
	authenticate(t, r, bob, "tok-bob")

	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	r.handle(bob, protocol.Envelope{Action: protocol.KindJoinQueue})
	scheduler.Tick()

	r.handle(alice, protocol.Envelope{Action: protocol.KindLeaveRoom})
	require.Nil(t, r.resolveSession("alice"))
	require.NotNil(t, r.resolveSession("bob"))
}

func TestRouterRoomStateRequest(t *testing.T) {
	r, scheduler := newTestRouter(t)
	alice := testClient(r)
	bob := testClient(r)
	authenticate(t, r, alice, "tok-alice")
	authenticate(t, r, bob, "tok-bob")

	r.handle(alice, protocol.Envelope{Action: protocol.KindJoinQueue})
	r.handle(bob, protocol.Envelope{Action: protocol.KindJoinQueue})
	scheduler.Tick()
	for len(alice.send) > 0 {
		<-alice.send
	}

	r.handle(alice, protocol.Envelope{Action: protocol.KindRequestRoomState})
	env := nextEnvelope(t, alice)
	require.Equal(t, protocol.KindLobbyState, env.Action)
	var lobby protocol.LobbyStatePayload
	require.NoError(t, json.Unmarshal(env.Data, &lobby))
	require.Len(t, lobby.Roster, 2)
}
