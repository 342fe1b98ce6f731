// Package matchmaking groups waiting clients into sessions. The scheduler
// is an explicitly constructed instance owned by the process root and
// injected into the router; all of its methods run on the event loop.
package matchmaking

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"arenacore/internal/game"
	"arenacore/internal/protocol"
)

// Scheduler operation errors.
var (
	ErrAlreadyQueued = errors.New("matchmaking: already in queue")
	ErrNotQueued     = errors.New("matchmaking: not in queue")
)

// SessionPool is how the scheduler reaches the router-owned session set.
type SessionPool interface {
	// OpenSessions returns sessions that are not yet playing and have
	// free slots, in creation order.
	OpenSessions() []*game.Session
	// Seat adds a queued entry to an existing session.
	Seat(s *game.Session, e *Entry) error
	// CreateSession builds and registers a new session seating all
	// entries. On error no entry may remain seated.
	CreateSession(entries []*Entry) (*game.Session, error)
}

// Predicate decides whether an entry may join a group. The baseline
// accepts everything; stale and duplicate entries are rejected before the
// predicate runs.
type Predicate func(candidate *Entry, group []*Entry) bool

// Config tunes the scheduler. All intervals are driven externally by the
// process root.
type Config struct {
	MatchSize int
	MaxWait   time.Duration
}

// Scheduler is the FIFO matchmaking queue.
type Scheduler struct {
	cfg        Config
	queue      *fifoQueue
	pool       SessionPool
	compatible Predicate
	log        *logrus.Entry
	clock      func() time.Time
	sequence   atomic.Uint64

	// Recent time-to-match samples, for ETA estimates.
	recentWaits []time.Duration
}

// New builds a scheduler. A nil predicate accepts all pairings.
func New(cfg Config, pool SessionPool, compatible Predicate, log *logrus.Entry) *Scheduler {
	if cfg.MatchSize < 2 {
		cfg.MatchSize = 2
	}
	if compatible == nil {
		compatible = func(*Entry, []*Entry) bool { return true }
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cfg:        cfg,
		queue:      newFifoQueue(64),
		pool:       pool,
		compatible: compatible,
		log:        log.WithField("component", "matchmaking"),
		clock:      time.Now,
	}
}

// Len returns the number of waiting entries.
func (m *Scheduler) Len() int { return m.queue.len() }

// Contains reports whether a user is waiting.
func (m *Scheduler) Contains(userID string) bool { return m.queue.contains(userID) }

// Enqueue adds a waiting client. Duplicates are rejected.
func (m *Scheduler) Enqueue(id game.Identity, conn Waiter, prefs protocol.QueuePreferences) (int, error) {
	if m.queue.contains(id.UserID) {
		return 0, ErrAlreadyQueued
	}
	e := &Entry{
		Identity:    id,
		Conn:        conn,
		Preferences: prefs,
		EnqueuedAt:  m.clock(),
		sequence:    m.sequence.Add(1),
	}
	idx := m.queue.insert(e)
	m.log.WithFields(logrus.Fields{"user": id.UserID, "position": idx + 1}).Info("queued")
	return idx + 1, nil
}

// Remove drops a waiting client (explicit leave or disconnect).
func (m *Scheduler) Remove(userID string) error {
	if m.queue.removeByID(userID) == nil {
		return ErrNotQueued
	}
	return nil
}

// Tick partitions the queue: stale entries are swept, open sessions are
// filled oldest-first, and the remainder is grouped into new sessions.
func (m *Scheduler) Tick() {
	m.sweepStale()
	m.fillOpenSessions()
	m.formNewSessions()
}

func (m *Scheduler) sweepStale() {
	var stale []string
	for _, e := range m.queue.items() {
		if e.Conn == nil || !e.Conn.Alive() {
			stale = append(stale, e.Identity.UserID)
		}
	}
	for _, id := range stale {
		m.queue.removeByID(id)
		m.log.WithField("user", id).Debug("dropped stale queue entry")
	}
}

// fillOpenSessions tops up sessions with open slots that are not yet
// playing, taking the oldest compatible entry first.
func (m *Scheduler) fillOpenSessions() {
	for _, sess := range m.pool.OpenSessions() {
		for sess.HasOpenSlots() && m.queue.len() > 0 {
			e := m.oldestCompatibleFor(sess)
			if e == nil {
				break
			}
			m.queue.removeByID(e.Identity.UserID)
			if err := m.pool.Seat(sess, e); err != nil {
				m.log.WithError(err).WithField("user", e.Identity.UserID).Warn("failed to seat entry, requeueing")
				m.queue.insert(e)
				break
			}
			m.recordWait(e)
			e.Conn.Send(protocol.KindMatchFound, protocol.MatchFoundPayload{
				SessionID:  sess.ID,
				Roster:     sess.RoomState().Roster,
				ETASeconds: int(m.estimateWait(1) / time.Second),
			})
		}
	}
}

func (m *Scheduler) oldestCompatibleFor(sess *game.Session) *Entry {
	for _, e := range m.queue.items() {
		if sess.HasPlayer(e.Identity.UserID) {
			continue
		}
		if m.compatible(e, nil) {
			return e
		}
	}
	return nil
}

// formNewSessions chunks the remaining queue into groups of the configured
// match size and instantiates sessions for groups of at least two.
func (m *Scheduler) formNewSessions() {
	for {
		group := m.takeGroup()
		if len(group) < 2 {
			for _, e := range group {
				m.queue.insert(e)
			}
			return
		}

		sess, err := m.pool.CreateSession(group)
		if err != nil {
			// Never drop waiting players on the floor.
			m.log.WithError(err).Warn("session creation failed, requeueing group")
			for _, e := range group {
				m.queue.insert(e)
			}
			return
		}

		roster := sess.RoomState().Roster
		for _, e := range group {
			m.recordWait(e)
		}
		eta := int(m.estimateWait(1) / time.Second)
		for _, e := range group {
			e.Conn.Send(protocol.KindMatchFound, protocol.MatchFoundPayload{
				SessionID:  sess.ID,
				Roster:     roster,
				ETASeconds: eta,
			})
		}
		m.log.WithFields(logrus.Fields{"session": sess.ID, "players": len(group)}).Info("match formed")
	}
}

// takeGroup removes up to MatchSize mutually compatible entries in FIFO
// order.
func (m *Scheduler) takeGroup() []*Entry {
	var group []*Entry
	for _, e := range m.queue.items() {
		if len(group) >= m.cfg.MatchSize {
			break
		}
		if duplicateIdentity(e, group) {
			continue
		}
		if !m.compatible(e, group) {
			continue
		}
		group = append(group, e)
	}
	for _, e := range group {
		m.queue.removeByID(e.Identity.UserID)
	}
	return group
}

func duplicateIdentity(e *Entry, group []*Entry) bool {
	for _, g := range group {
		if g.Identity.UserID == e.Identity.UserID {
			return true
		}
	}
	return false
}

// StatusTick broadcasts queue positions and wait estimates, escalating to
// priority notices once wait time crosses half, then all, of MaxWait.
func (m *Scheduler) StatusTick() {
	now := m.clock()
	for i, e := range m.queue.items() {
		wait := now.Sub(e.EnqueuedAt)
		status := protocol.QueueStatusPayload{
			Position:   i + 1,
			ETASeconds: int(m.estimateWait(i+1) / time.Second),
		}
		switch {
		case m.cfg.MaxWait > 0 && wait >= m.cfg.MaxWait && e.notified < 2:
			e.notified = 2
			status.Priority = true
			status.Message = "maximum wait reached, prioritizing your match"
		case m.cfg.MaxWait > 0 && wait >= m.cfg.MaxWait/2 && e.notified < 1:
			e.notified = 1
			status.Priority = true
			status.Message = "longer than usual wait, you have been prioritized"
		}
		e.Conn.Send(protocol.KindQueueStatus, status)
	}
}

const maxWaitSamples = 32

func (m *Scheduler) recordWait(e *Entry) {
	m.recentWaits = append(m.recentWaits, m.clock().Sub(e.EnqueuedAt))
	if len(m.recentWaits) > maxWaitSamples {
		m.recentWaits = m.recentWaits[len(m.recentWaits)-maxWaitSamples:]
	}
}

// estimateWait is a moving average of recent time-to-match, scaled by
// queue position when no history exists.
func (m *Scheduler) estimateWait(position int) time.Duration {
	if len(m.recentWaits) == 0 {
		return time.Duration(position) * 10 * time.Second
	}
	var sum time.Duration
	for _, w := range m.recentWaits {
		sum += w
	}
	return sum / time.Duration(len(m.recentWaits))
}
