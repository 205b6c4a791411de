package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
)

// ChatRepository is the durable Chat Store. It implements chat.Store.
type ChatRepository struct {
	db *pgxpool.Pool
}

// NewChatRepository creates a ChatRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

// AppendMessage stores m. Replaying the same message id is a no-op.
func (r *ChatRepository) AppendMessage(ctx context.Context, m chat.Message) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO chat_messages (id, room_id, sender_id, sender_username, chat_type, content, created_at, filtered, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RoomID, m.SenderID, m.SenderUsername, string(m.ChatType), m.Content, m.CreatedAt, m.Filtered, m.Deleted,
	)
	if err != nil {
		return fmt.Errorf("inserting chat message %s: %w", m.ID, err)
	}
	return nil
}

// SoftDeleteMessage hides a message from history.
//
// Postcondition: Returns chat.ErrMessageNotFound for an unknown id.
func (r *ChatRepository) SoftDeleteMessage(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE chat_messages SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting chat message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrMessageNotFound
	}
	return nil
}

// History returns a page of messages older than before, oldest first, and
// whether older messages remain.
func (r *ChatRepository) History(ctx context.Context, roomID string, chatType chat.Type, before time.Time, limit int) ([]chat.Message, bool, error) {
	limit = chat.ClampLimit(limit)
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, room_id, sender_id, sender_username, chat_type, content, created_at, filtered, deleted
		 FROM chat_messages
		 WHERE room_id = $1 AND chat_type = $2 AND NOT deleted
		   AND ($3::timestamptz IS NULL OR created_at < $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		roomID, string(chatType), cursor, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("reading chat history: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var (
			m  chat.Message
			ct string
		)
		err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &ct, &m.Content, &m.CreatedAt, &m.Filtered, &m.Deleted)
		m.ChatType = chat.Type(ct)
		return m, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading chat history: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	return msgs, hasMore, nil
}

// ConfigRepository stores the process-wide chat policy in a single row. It
// implements chat.ConfigStore.
type ConfigRepository struct {
	db       *pgxpool.Pool
	fallback chat.Config
}

// NewConfigRepository creates a ConfigRepository. fallback is served, at
// version 0, until an operator saves a policy.
//
// Precondition: db must be a valid, open connection pool.
func NewConfigRepository(db *pgxpool.Pool, fallback chat.Config) *ConfigRepository {
	return &ConfigRepository{db: db, fallback: fallback}
}

// ChatConfig returns the stored policy or the fallback.
func (r *ConfigRepository) ChatConfig(ctx context.Context) (chat.Config, error) {
	var cfg chat.Config
	err := r.db.QueryRow(ctx,
		`SELECT version, rate_limit_messages, window_seconds, max_message_length,
		        profanity_enabled, word_list, global_mute_enabled
		 FROM chat_config WHERE id = 1`,
	).Scan(&cfg.Version, &cfg.RateLimitMessages, &cfg.WindowSeconds, &cfg.MaxMessageLength,
		&cfg.ProfanityEnabled, &cfg.WordList, &cfg.GlobalMuteEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cfg = r.fallback
			cfg.Version = 0
			cfg.WordList = slices.Clone(r.fallback.WordList)
			return cfg, nil
		}
		return chat.Config{}, fmt.Errorf("loading chat config: %w", err)
	}
	return cfg, nil
}

// SaveChatConfig validates and stores cfg, bumping the version.
//
// Postcondition: Returns cfg with its new Version.
func (r *ConfigRepository) SaveChatConfig(ctx context.Context, cfg chat.Config) (chat.Config, error) {
	if err := cfg.Validate(); err != nil {
		return chat.Config{}, err
	}
	words := cfg.WordList
	if words == nil {
		words = []string{}
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO chat_config (id, version, rate_limit_messages, window_seconds, max_message_length,
		                          profanity_enabled, word_list, global_mute_enabled, updated_at)
		 VALUES (1, 1, $1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		     version = chat_config.version + 1,
		     rate_limit_messages = EXCLUDED.rate_limit_messages,
		     window_seconds = EXCLUDED.window_seconds,
		     max_message_length = EXCLUDED.max_message_length,
		     profanity_enabled = EXCLUDED.profanity_enabled,
		     word_list = EXCLUDED.word_list,
		     global_mute_enabled = EXCLUDED.global_mute_enabled,
		     updated_at = NOW()
		 RETURNING version`,
		cfg.RateLimitMessages, cfg.WindowSeconds, cfg.MaxMessageLength,
		cfg.ProfanityEnabled, words, cfg.GlobalMuteEnabled,
	).Scan(&cfg.Version)
	if err != nil {
		return chat.Config{}, fmt.Errorf("saving chat config: %w", err)
	}
	return cfg, nil
}
