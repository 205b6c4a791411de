package chat

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is positive when Allowed is false.
	RetryAfterSeconds int
}

type limiterKey struct {
	userID string
	roomID string
}

type window struct {
	mu     sync.Mutex
	start  time.Time
	length time.Duration
	count  int
	// dead is set by Prune once the window has left the map.
	dead bool
}

// Limiter is a fixed-window-with-reset message counter keyed by (user, room).
// Each key has its own mutex, so checks for unrelated keys never contend.
type Limiter struct {
	windows sync.Map // limiterKey -> *window
}

// NewLimiter returns an empty Limiter.
func NewLimiter() *Limiter { return &Limiter{} }

// Allow records one message from userID in roomID and reports whether it is
// within limit messages per length.
//
// Precondition: limit >= 1 and length > 0.
// Postcondition: A denied message is not counted.
func (l *Limiter) Allow(userID, roomID string, limit int, length time.Duration, now time.Time) Decision {
	key := limiterKey{userID, roomID}
	var w *window
	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w = v.(*window)
		w.mu.Lock()
		if !w.dead {
			break
		}
		w.mu.Unlock()
	}
	defer w.mu.Unlock()
	if w.start.IsZero() || now.Sub(w.start) >= length || w.length != length {
		w.start = now
		w.length = length
		w.count = 0
	}
	if w.count >= limit {
		remaining := w.start.Add(length).Sub(now)
		secs := int(math.Ceil(remaining.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return Decision{RetryAfterSeconds: secs}
	}
	w.count++
	return Decision{Allowed: true}
}

// Prune drops windows that have elapsed at now.
//
// Postcondition: Returns the number of windows removed.
func (l *Limiter) Prune(now time.Time) int {
	n := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		defer w.mu.Unlock()
		if now.Sub(w.start) >= w.length && l.windows.CompareAndDelete(k, v) {
			w.dead = true
			n++
		}
		return true
	})
	return n
}

// Size returns the number of live windows.
func (l *Limiter) Size() int {
	n := 0
	l.windows.Range(func(any, any) bool { n++; return true })
	return n
}
