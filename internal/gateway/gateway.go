package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/coordinator"
	"github.com/cory-johannsen/gameroom/internal/eventlog"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// Submitter runs commands. *coordinator.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd protocol.Command) (coordinator.Outcome, error)
}

// transport is one client stream carrying JSON frames.
type transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, frame []byte) error
}

// Options configures a Gateway.
type Options struct {
	SendBuffer     int
	OriginPatterns []string
}

// Gateway serves client sessions over WebSocket and gRPC.
type Gateway struct {
	submitter Submitter
	hub       *Hub
	verifier  *TokenVerifier
	opts      Options
	logger    *zap.Logger
}

// New creates a Gateway.
//
// Precondition: submitter, hub, verifier and logger must be non-nil.
func New(submitter Submitter, hub *Hub, verifier *TokenVerifier, opts Options, logger *zap.Logger) *Gateway {
	return &Gateway{submitter: submitter, hub: hub, verifier: verifier, opts: opts, logger: logger}
}

// Hub returns the connection hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// FanOut delivers the event log to the hub until ctx is cancelled.
func (g *Gateway) FanOut(ctx context.Context, log eventlog.Log) error {
	g.logger.Info("event fan-out started")
	defer g.logger.Info("event fan-out stopped")
	return log.Subscribe(ctx, g.hub.Deliver)
}

// serve runs one client session until the transport fails or ctx ends.
// Flow:
//  1. Register the connection with the hub
//  2. Forward hub frames to the transport on a separate goroutine
//  3. Read frames and submit the commands they carry
//  4. On exit report the user disconnected from rooms no other socket follows
func (g *Gateway) serve(ctx context.Context, id Identity, t transport) error {
	c := NewConn(id, g.opts.SendBuffer)
	g.hub.Add(c)
	logger := g.logger.With(zap.String("conn_id", c.id), zap.String("user_id", c.userID))
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		g.forward(ctx, c, t, logger)
	}()

	err := g.readLoop(ctx, c, t)

	cancel()
	orphaned := g.hub.Remove(c)
	wg.Wait()
	g.disconnected(c, orphaned, logger)
	logger.Info("client disconnected", zap.Int("rooms", len(orphaned)))

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn, t transport) error {
	for {
		data, err := t.Recv(ctx)
		if err != nil {
			return err
		}
		g.handle(ctx, c, data)
	}
}

// forward writes queued frames until the connection closes.
func (g *Gateway) forward(ctx context.Context, c *Conn, t transport, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.Frames():
			if !ok {
				return
			}
			if err := t.Send(ctx, frame); err != nil {
				logger.Debug("sending frame", zap.Error(err))
				return
			}
		}
	}
}

// handle decodes one client frame, stamps the authenticated sender and
// submits it. Synchronous failures are answered on this socket only.
func (g *Gateway) handle(ctx context.Context, c *Conn, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		g.replyMalformed(c, data, err)
		return
	}
	h := cmd.Meta()
	h.UserID = c.userID
	h.Username = c.username

	// Follow the room first so events committed by this command reach the socket.
	added := h.RoomID != "" && g.hub.Subscribe(c, h.RoomID)

	out, err := g.submitter.Submit(ctx, cmd)
	switch {
	case err != nil:
		if added {
			g.hub.Unsubscribe(c, h.RoomID)
		}
		g.reply(c, coordinator.RejectionEvent(cmd, err))
		return
	case h.RoomID != "" && !out.Member:
		// Outsiders, banned users and leavers stop following the room.
		g.hub.Unsubscribe(c, h.RoomID)
	}
	if _, ok := cmd.(*protocol.CreateRoom); ok && out.Member && len(out.Events) > 0 {
		g.hub.Subscribe(c, out.Events[0].RoomID)
	}
}

func (g *Gateway) replyMalformed(c *Conn, data []byte, cause error) {
	var f protocol.Frame
	_ = json.Unmarshal(data, &f)
	code := "malformed_frame"
	if errors.Is(cause, protocol.ErrUnknownCommand) {
		code = "unknown_command"
	}
	ev := protocol.NewEvent(protocol.ToUser(f.RoomID, c.userID), protocol.CommandRejected{
		CommandID: f.ID,
		Code:      code,
		Message:   cause.Error(),
	})
	ev.RoomID = f.RoomID
	ev.CorrelationID = f.ID
	g.reply(c, ev)
}

func (g *Gateway) reply(c *Conn, ev protocol.Event) {
	frame, err := protocol.EncodeEventFrame(ev)
	if err != nil {
		g.logger.Error("encoding reply", zap.Error(err))
		return
	}
	if err := c.Push(frame); err != nil {
		g.logger.Debug("reply to closed connection dropped", zap.String("conn_id", c.id), zap.Error(err))
	}
}

// disconnected reports the user's transport drop to every orphaned room.
func (g *Gateway) disconnected(c *Conn, rooms []string, logger *zap.Logger) {
	for _, roomID := range rooms {
		cmd := &protocol.ConnectionStatus{
			Header: protocol.Header{
				ID:       uuid.NewString(),
				UserID:   c.userID,
				Username: c.username,
				RoomID:   roomID,
			},
			Connected: false,
		}
		if _, err := g.submitter.Submit(context.Background(), cmd); err != nil {
			logger.Warn("reporting disconnect",
				zap.String("room_id", roomID),
				zap.Error(fmt.Errorf("connection status: %w", err)),
			)
		}
	}
}
