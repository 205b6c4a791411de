// Package presence tracks disconnect deadlines for room members. Deadlines
// live in a min-heap so a single periodic sweep finds every expired member
// without a timer per connection.
package presence

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a disconnected member keeps their seat.
const DefaultGracePeriod = 30 * time.Second

// Key identifies one member of one room.
type Key struct {
	RoomID string
	UserID string
}

// Expiry is a member whose deadline has passed.
type Expiry struct {
	Key
	Deadline time.Time
}

type entry struct {
	key      Key
	deadline time.Time
	index    int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Tracker indexes pending disconnect deadlines. All methods are safe for
// concurrent use and never block on a room lock.
type Tracker struct {
	mu      sync.Mutex
	grace   time.Duration
	now     func() time.Time
	heap    deadlineHeap
	entries map[Key]*entry
}

// NewTracker returns a Tracker with the given grace period; zero selects
// DefaultGracePeriod.
func NewTracker(grace time.Duration, now func() time.Time) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{grace: grace, now: now, entries: make(map[Key]*entry)}
}

// GracePeriod returns the configured grace period.
func (t *Tracker) GracePeriod() time.Duration { return t.grace }

// MarkDisconnected schedules a deadline of now plus the grace period.
//
// Postcondition: Returns the deadline; a previous deadline for the same member is replaced.
func (t *Tracker) MarkDisconnected(roomID, userID string) time.Time {
	deadline := t.now().Add(t.grace)
	t.Track(roomID, userID, deadline)
	return deadline
}

// MarkConnected cancels a pending deadline.
//
// Postcondition: Returns true if a deadline was pending.
func (t *Tracker) MarkConnected(roomID, userID string) bool {
	return t.Forget(roomID, userID)
}

// Track schedules or reschedules a specific deadline.
func (t *Tracker) Track(roomID, userID string, deadline time.Time) {
	k := Key{RoomID: roomID, UserID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[k]; ok {
		e.deadline = deadline
		heap.Fix(&t.heap, e.index)
		return
	}
	e := &entry{key: k, deadline: deadline}
	heap.Push(&t.heap, e)
	t.entries[k] = e
}

// Forget drops any deadline for the member.
func (t *Tracker) Forget(roomID, userID string) bool {
	k := Key{RoomID: roomID, UserID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	heap.Remove(&t.heap, e.index)
	delete(t.entries, k)
	return true
}

// SyncRoom replaces every tracked deadline for roomID with deadlines, keyed by
// user id. It is how committed room state is mirrored into the tracker.
func (t *Tracker) SyncRoom(roomID string, deadlines map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.RoomID != roomID {
			continue
		}
		if _, keep := deadlines[k.UserID]; !keep {
			heap.Remove(&t.heap, e.index)
			delete(t.entries, k)
		}
	}
	for userID, d := range deadlines {
		k := Key{RoomID: roomID, UserID: userID}
		if e, ok := t.entries[k]; ok {
			e.deadline = d
			heap.Fix(&t.heap, e.index)
			continue
		}
		e := &entry{key: k, deadline: d}
		heap.Push(&t.heap, e)
		t.entries[k] = e
	}
}

// SweepExpired removes and returns every member whose deadline is at or before now,
// earliest first.
func (t *Tracker) SweepExpired(now time.Time) []Expiry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Expiry
	for t.heap.Len() > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*entry)
		delete(t.entries, e.key)
		out = append(out, Expiry{Key: e.key, Deadline: e.deadline})
	}
	return out
}

// Deadline returns the pending deadline for a member, if any.
func (t *Tracker) Deadline(roomID, userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[Key{RoomID: roomID, UserID: userID}]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Pending returns the number of tracked deadlines.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
