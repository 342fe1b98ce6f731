package matchmaking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arenacore/internal/eventloop"
	"arenacore/internal/game"
	"arenacore/internal/protocol"
	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

type fakeWaiter struct {
	alive    bool
	msgs     []protocol.Kind
	payloads []any
}

func (w *fakeWaiter) Send(kind protocol.Kind, payload any) {
	w.msgs = append(w.msgs, kind)
	w.payloads = append(w.payloads, payload)
}

func (w *fakeWaiter) Alive() bool { return w.alive }

func (w *fakeWaiter) received(kind protocol.Kind) bool {
	for _, k := range w.msgs {
		if k == kind {
			return true
		}
	}
	return false
}

func (w *fakeWaiter) lastPayload(kind protocol.Kind) (any, bool) {
	for i := len(w.msgs) - 1; i >= 0; i-- {
		if w.msgs[i] == kind {
			return w.payloads[i], true
		}
	}
	return nil, false
}

// fakePool creates real sessions so roster snapshots and seat rejections
// behave like production.
type fakePool struct {
	t          *testing.T
	loop       *eventloop.Loop
	open       []*game.Session
	created    int
	failCreate bool
}

func (p *fakePool) OpenSessions() []*game.Session { return p.open }

func (p *fakePool) Seat(s *game.Session, e *Entry) error {
	return s.AddPlayer(context.Background(), e.Identity, e.Conn)
}

func (p *fakePool) CreateSession(entries []*Entry) (*game.Session, error) {
	if p.failCreate {
		return nil, fmt.Errorf("pool exhausted")
	}
	sess := p.newSession(len(entries))
	for _, e := range entries {
		if err := sess.AddPlayer(context.Background(), e.Identity, e.Conn); err != nil {
			return nil, err
		}
	}
	p.created++
	return sess, nil
}

func (p *fakePool) newSession(size int) *game.Session {
	p.t.Helper()
	sess, err := game.NewSession(fmt.Sprintf("pool-%d", p.created), game.Config{
		MaxPlayers:       size,
		TimeLimit:        3 * time.Minute,
		Stocks:           3,
		ReconnectGrace:   30 * time.Second,
		MaxReconnectTime: 2 * time.Minute,
		MaxDisconnects:   3,
		CleanupDelay:     5 * time.Minute,
		Countdown:        time.Second,
		TickInterval:     50 * time.Millisecond,
		TimerInterval:    time.Second,
	}, game.Deps{
		Loop:   p.loop,
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
	})
	require.NoError(p.t, err)
	return sess
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakePool) {
	t.Helper()
	pool := &fakePool{t: t, loop: eventloop.New(64)}
	return New(cfg, pool, nil, nil), pool
}

func enqueue(t *testing.T, m *Scheduler, userID string) *fakeWaiter {
	t.Helper()
	w := &fakeWaiter{alive: true}
	_, err := m.Enqueue(game.Identity{UserID: userID, Username: userID}, w, protocol.QueuePreferences{})
	require.NoError(t, err)
	return w
}

func TestEnqueueReportsPositionAndRejectsDuplicates(t *testing.T) {
	m, _ := newTestScheduler(t, Config{MatchSize: 2})

	w := &fakeWaiter{alive: true}
	pos, err := m.Enqueue(game.Identity{UserID: "alice"}, w, protocol.QueuePreferences{})
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	_, err = m.Enqueue(game.Identity{UserID: "alice"}, w, protocol.QueuePreferences{})
	require.ErrorIs(t, err, ErrAlreadyQueued)

	pos, err = m.Enqueue(game.Identity{UserID: "bob"}, &fakeWaiter{alive: true}, protocol.QueuePreferences{})
	require.NoError(t, err)
	require.Equal(t, 2, pos)
}

func TestRemoveUnknownUser(t *testing.T) {
	m, _ := newTestScheduler(t, Config{MatchSize: 2})
	require.ErrorIs(t, m.Remove("ghost"), ErrNotQueued)

	enqueue(t, m, "alice")
	require.NoError(t, m.Remove("alice"))
	require.Zero(t, m.Len())
}

func TestTickFormsMatchAtSize(t *testing.T) {
	m, pool := newTestScheduler(t, Config{MatchSize: 4})
	waiters := []*fakeWaiter{
		enqueue(t, m, "p1"), enqueue(t, m, "p2"),
		enqueue(t, m, "p3"), enqueue(t, m, "p4"),
	}

	m.Tick()

	require.Equal(t, 1, pool.created)
	require.Zero(t, m.Len())
	for _, w := range waiters {
		require.True(t, w.received(protocol.KindMatchFound))
	}
}

func TestTickLeavesSoloPlayerWaiting(t *testing.T) {
	m, pool := newTestScheduler(t, Config{MatchSize: 2})
	w := enqueue(t, m, "alice")

	m.Tick()

	require.Zero(t, pool.created)
	require.Equal(t, 1, m.Len())
	require.False(t, w.received(protocol.KindMatchFound))
}

func TestTickRequeuesGroupOnCreateFailure(t *testing.T) {
	m, pool := newTestScheduler(t, Config{MatchSize: 2})
	pool.failCreate = true
	enqueue(t, m, "alice")
	enqueue(t, m, "bob")

	m.Tick()

	require.Equal(t, 2, m.Len(), "failed group returns to the queue")
	require.True(t, m.Contains("alice"))
	require.True(t, m.Contains("bob"))
}

func TestTickSweepsDeadConnections(t *testing.T) {
	m, pool := newTestScheduler(t, Config{MatchSize: 2})
	enqueue(t, m, "alice")
	dead := &fakeWaiter{alive: false}
	_, err := m.Enqueue(game.Identity{UserID: "bob"}, dead, protocol.QueuePreferences{})
	require.NoError(t, err)

	m.Tick()

	require.Zero(t, pool.created, "dead entry never forms a match")
	require.Equal(t, 1, m.Len())
	require.True(t, m.Contains("alice"))
	require.False(t, m.Contains("bob"))
}

func TestTickFillsOpenSessionBeforeCreating(t *testing.T) {
	m, pool := newTestScheduler(t, Config{MatchSize: 2})
	sess := pool.newSession(2)
	require.NoError(t, sess.AddPlayer(context.Background(), game.Identity{UserID: "host"}, &fakeWaiter{alive: true}))
	pool.open = []*game.Session{sess}

	w := enqueue(t, m, "alice")
	m.Tick()

	require.Zero(t, pool.created, "open slot is preferred over a new session")
	require.Zero(t, m.Len())
	require.True(t, sess.HasPlayer("alice"))
	require.True(t, w.received(protocol.KindMatchFound))
}

func TestMatchFoundCarriesWaitEstimate(t *testing.T) {
	m, _ := newTestScheduler(t, Config{MatchSize: 2})

	base := time.Now()
	now := base
	m.clock = func() time.Time { return now }

	alice := enqueue(t, m, "alice")
	bob := enqueue(t, m, "bob")

	now = base.Add(20 * time.Second)
	m.Tick()

	for _, w := range []*fakeWaiter{alice, bob} {
		payload, ok := w.lastPayload(protocol.KindMatchFound)
		require.True(t, ok)
		found := payload.(protocol.MatchFoundPayload)
		require.Equal(t, 20, found.ETASeconds, "estimate reflects the recorded waits")
		require.Len(t, found.Roster, 2)
	}
}

func TestStatusTickEscalatesToPriority(t *testing.T) {
	m, _ := newTestScheduler(t, Config{MatchSize: 2, MaxWait: 2 * time.Minute})

	base := time.Now()
	now := base
	m.clock = func() time.Time { return now }

	w := enqueue(t, m, "alice")

	m.StatusTick()
	require.Len(t, w.msgs, 1)
	require.Equal(t, protocol.KindQueueStatus, w.msgs[0])

	now = base.Add(time.Minute)
	m.StatusTick()

	now = base.Add(2 * time.Minute)
	m.StatusTick()

	// Each escalation fires exactly once.
	require.Len(t, w.msgs, 3)
	now = base.Add(3 * time.Minute)
	m.StatusTick()
	require.Len(t, w.msgs, 4)
}

func TestEstimateWaitFallsBackToPosition(t *testing.T) {
	m, _ := newTestScheduler(t, Config{MatchSize: 2})
	require.Equal(t, 30*time.Second, m.estimateWait(3))

	m.recentWaits = []time.Duration{10 * time.Second, 20 * time.Second}
	require.Equal(t, 15*time.Second, m.estimateWait(3))
}

func TestQueueTieBreaksBySequence(t *testing.T) {
	queue := newFifoQueue(4)
	now := time.Now()

	first := &Entry{Identity: game.Identity{UserID: "alice"}, EnqueuedAt: now, sequence: 1}
	second := &Entry{Identity: game.Identity{UserID: "bob"}, EnqueuedAt: now, sequence: 2}

	require.Equal(t, 1, queue.insert(second)+1)
	require.Equal(t, 1, queue.insert(first)+1, "earlier sequence moves ahead of equal timestamps")

	items := queue.items()
	require.Len(t, items, 2)
	require.Equal(t, "alice", items[0].Identity.UserID)
	require.Equal(t, "bob", items[1].Identity.UserID)
	require.True(t, queue.contains("alice"))

	removed := queue.removeByID("alice")
	require.NotNil(t, removed)
	require.Equal(t, "bob", queue.items()[0].Identity.UserID)
	require.Zero(t, queue.positions["bob"], "positions reindexed after removal")
}
