package matchmaking

import (
	"sort"
	"time"

	"arenacore/internal/game"
	"arenacore/internal/protocol"
)

// Waiter is the connection-side view the scheduler needs: a send path plus
// a liveness probe so stale entries can be swept.
type Waiter interface {
	game.Conn
	Alive() bool
}

// Entry is one waiting client. It lives only inside the scheduler and is
// removed on match formation, explicit leave, or disconnect.
type Entry struct {
	Identity    game.Identity
	Conn        Waiter
	Preferences protocol.QueuePreferences
	EnqueuedAt  time.Time

	sequence uint64
	notified int // 0 = none, 1 = half-wait notice, 2 = max-wait notice
}

// fifoQueue keeps entries ordered by enqueue time, ties broken by a
// monotonic sequence number.
type fifoQueue struct {
	entries   []*Entry
	positions map[string]int
}

func newFifoQueue(capacity int) *fifoQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &fifoQueue{
		entries:   make([]*Entry, 0, capacity),
		positions: make(map[string]int, capacity),
	}
}

func (q *fifoQueue) len() int {
	return len(q.entries)
}

func (q *fifoQueue) contains(userID string) bool {
	_, ok := q.positions[userID]
	return ok
}

func (q *fifoQueue) insert(e *Entry) int {
	idx := sort.Search(len(q.entries), func(i int) bool {
		left := q.entries[i]
		if left.EnqueuedAt.Equal(e.EnqueuedAt) {
			return left.sequence > e.sequence
		}
		return left.EnqueuedAt.After(e.EnqueuedAt)
	})

	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	q.positions[e.Identity.UserID] = idx
	q.reindex(idx + 1)

	return idx
}

func (q *fifoQueue) removeByID(userID string) *Entry {
	idx, ok := q.positions[userID]
	if !ok {
		return nil
	}
	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	delete(q.positions, userID)
	q.reindex(idx)
	return e
}

func (q *fifoQueue) items() []*Entry {
	return q.entries
}

func (q *fifoQueue) reindex(start int) {
	for i := start; i < len(q.entries); i++ {
		q.positions[q.entries[i].Identity.UserID] = i
	}
}
