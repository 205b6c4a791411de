package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// redeliverDelay spaces out retries of an event whose handler failed.
const redeliverDelay = 50 * time.Millisecond

// Memory is an in-process Log for single-instance deployments and tests.
// Every subscriber sees every event published after it subscribed, in
// publish order.
type Memory struct {
	mu   sync.Mutex
	subs map[*memSub]struct{}
	fail error
}

type memSub struct {
	mu     sync.Mutex
	queue  []protocol.Event
	notify chan struct{}
}

// NewMemory returns an empty Memory log.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memSub]struct{})}
}

// SetFail makes Publish fail with err until cleared with nil.
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Publish implements Log.
func (m *Memory) Publish(ctx context.Context, events ...protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, m.fail)
	}
	for s := range m.subs {
		s.mu.Lock()
		s.queue = append(s.queue, events...)
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements Log. An event whose handler fails is redelivered,
// together with everything queued behind it, after a short delay.
func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	s := &memSub{notify: make(chan struct{}, 1)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		failed := false
		for i, e := range batch {
			if err := h(ctx, e); err != nil {
				s.mu.Lock()
				s.queue = append(append([]protocol.Event(nil), batch[i:]...), s.queue...)
				s.mu.Unlock()
				failed = true
				break
			}
		}

		if failed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redeliverDelay):
			}
			continue
		}
		s.mu.Lock()
		pending := len(s.queue) > 0
		s.mu.Unlock()
		if pending {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
