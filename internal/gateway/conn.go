// Package gateway connects client transports to the coordinator: it
// authenticates sockets, turns client frames into commands, and fans events
// from the event log back out to the sockets their audience names.
package gateway

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultSendBuffer is the per-connection outgoing frame buffer.
const DefaultSendBuffer = 64

// Conn is one authenticated client socket. Frames pushed to it are written
// to the transport by a single forwarding goroutine.
type Conn struct {
	id       string
	userID   string
	username string
	frames   chan []byte
	mu       sync.Mutex
	closed   bool

	// rooms is guarded by the owning Hub's lock.
	rooms map[string]struct{}
}

// NewConn creates a Conn for an authenticated identity.
//
// Precondition: id.UserID must be non-empty.
// Postcondition: Returns a Conn with an open frame channel.
func NewConn(id Identity, bufferSize int) *Conn {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	return &Conn{
		id:       uuid.NewString(),
		userID:   id.UserID,
		username: id.Username,
		frames:   make(chan []byte, bufferSize),
		rooms:    make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// Push enqueues a frame without blocking.
//
// Postcondition: Returns an error if the connection is closed or its buffer is full.
func (c *Conn) Push(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// Frames returns the outgoing frame channel. It is closed by Close.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Close marks the connection closed and closes its frame channel. It is
// safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.frames)
	}
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
