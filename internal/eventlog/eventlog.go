// Package eventlog carries committed room events from the coordinator to the
// fan-out stage. Delivery is at least once and ordered per room.
package eventlog

import (
	"context"
	"errors"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// ErrUnavailable wraps transport failures. Retryable.
var ErrUnavailable = errors.New("eventlog: unavailable")

// Handler consumes one event. Returning an error leaves the event
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, e protocol.Event) error

// Log is the durable, shared Event Log.
type Log interface {
	// Publish appends events in order. Events of one room keep their relative
	// order for every subscriber.
	Publish(ctx context.Context, events ...protocol.Event) error
	// Subscribe delivers events to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
}
