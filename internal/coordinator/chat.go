package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
)

// sendChat routes a message under the room lock so routing sees the same
// status and roles as concurrent membership changes, stores it and publishes
// it before the lock is released. A message whose event cannot be published
// is soft-deleted.
func (p *Pipeline) sendChat(ctx context.Context, c *protocol.SendChat) (Outcome, error) {
	if _, err := p.Registry.Refresh(ctx, c.RoomID); err != nil {
		return Outcome{}, err
	}
	cfg, err := p.ChatCfg.Get(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", registry.ErrStoreUnavailable, err)
	}

	var msg chat.Message
	stored := false
	res, err := p.withRoom(ctx, &c.Header, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		if stored {
			// A retry after a failed save must not store or count the message twice.
			return nil, []protocol.Event{chatEvent(cur, msg)}, nil
		}
		now := p.now()
		routed, err := p.Router.Route(cur, c.UserID, c.Content, cfg, now)
		if err != nil {
			return nil, nil, err
		}
		sender, _ := cur.Member(c.UserID)
		msg = chat.Message{
			ID:             uuid.NewString(),
			RoomID:         cur.ID,
			SenderID:       c.UserID,
			SenderUsername: sender.Username,
			ChatType:       routed.ChatType,
			Content:        routed.Content,
			CreatedAt:      now,
			Filtered:       routed.Filtered,
		}
		sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		if err := p.ChatStore.AppendMessage(sctx, msg); err != nil {
			return nil, nil, fmt.Errorf("%w: storing chat message: %w", registry.ErrStoreUnavailable, err)
		}
		stored = true
		ev := protocol.NewEvent(routed.Audience, protocol.ChatMessage{Message: msg.View()})
		return nil, []protocol.Event{ev}, nil
	})
	if err != nil {
		if stored {
			p.compensate(ctx, msg.ID, err)
		}
		return Outcome{}, err
	}
	return outcome(&c.Header, res), nil
}

func chatEvent(r *room.Room, msg chat.Message) protocol.Event {
	aud := protocol.ToRoom(r.ID)
	switch msg.ChatType {
	case chat.TypePlayer:
		aud = protocol.ToPlayers(r.ID)
	case chat.TypeSpectator:
		aud = protocol.ToSpectators(r.ID)
	}
	return protocol.NewEvent(aud, protocol.ChatMessage{Message: msg.View()})
}

// compensate hides a stored message whose event never went out.
func (p *Pipeline) compensate(ctx context.Context, messageID string, cause error) {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.ChatStore.SoftDeleteMessage(sctx, messageID); err != nil {
		p.Logger.Error("chat compensation failed",
			zap.String("message_id", messageID),
			zap.NamedError("publish_error", cause),
			zap.Error(err),
		)
		return
	}
	p.Logger.Warn("chat message withdrawn after publish failure",
		zap.String("message_id", messageID),
		zap.Error(cause),
	)
}

// chatHistory answers a history page to the requester. It checks access
// against the stored room and never takes the room lock.
func (p *Pipeline) chatHistory(ctx context.Context, c *protocol.GetChatHistory) (Outcome, error) {
	r, err := p.Registry.Refresh(ctx, c.RoomID)
	if err != nil {
		return Outcome{}, err
	}
	chatType, _ := chat.ParseType(c.ChatType)
	if err := chat.CanRead(r, c.UserID, chatType); err != nil {
		return Outcome{}, err
	}
	var before time.Time
	if c.Before != nil {
		before = *c.Before
	}

	var (
		msgs    []chat.Message
		hasMore bool
	)
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	msgs, hasMore, err = p.ChatStore.History(sctx, r.ID, chatType, before, chat.ClampLimit(c.Limit))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: reading chat history: %w", registry.ErrStoreUnavailable, err)
	}

	views := make([]protocol.ChatMessageView, len(msgs))
	for i, m := range msgs {
		views[i] = m.View()
	}
	ev := protocol.NewEvent(protocol.ToUser(r.ID, c.UserID), protocol.ChatHistory{
		ChatType: string(chatType),
		Messages: views,
		HasMore:  hasMore,
	})
	events := []protocol.Event{ev}
	room.Stamp(r, events, c.ID, p.now())
	if err := p.publish(ctx, events); err != nil {
		return Outcome{}, err
	}
	return Outcome{Events: events, Member: true}, nil
}
