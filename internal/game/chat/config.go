// Package chat routes room chat to the right audience under rate limits and
// moderation, and defines the chat persistence contract.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config is the process-wide chat policy. It is versioned and hot-reloadable.
type Config struct {
	RateLimitMessages int      `json:"rateLimitMessages" mapstructure:"rate_limit_messages"`
	WindowSeconds     int      `json:"windowSeconds" mapstructure:"window_seconds"`
	MaxMessageLength  int      `json:"maxMessageLength" mapstructure:"max_message_length"`
	ProfanityEnabled  bool     `json:"profanityEnabled" mapstructure:"profanity_enabled"`
	WordList          []string `json:"wordList" mapstructure:"word_list"`
	GlobalMuteEnabled bool     `json:"globalMuteEnabled" mapstructure:"global_mute_enabled"`
	// Version increases with every stored update.
	Version int64 `json:"version" mapstructure:"-"`
}

// DefaultConfig returns the built-in chat policy.
func DefaultConfig() Config {
	return Config{
		RateLimitMessages: 20,
		WindowSeconds:     60,
		MaxMessageLength:  512,
	}
}

// Window returns the rate-limit window as a duration.
func (c Config) Window() time.Duration { return time.Duration(c.WindowSeconds) * time.Second }

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	if c.RateLimitMessages < 1 {
		return fmt.Errorf("chat: rate_limit_messages must be >= 1, got %d", c.RateLimitMessages)
	}
	if c.WindowSeconds < 1 {
		return fmt.Errorf("chat: window_seconds must be >= 1, got %d", c.WindowSeconds)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("chat: max_message_length must be >= 1, got %d", c.MaxMessageLength)
	}
	return nil
}

// ConfigSource loads the current chat config from durable storage.
type ConfigSource interface {
	ChatConfig(ctx context.Context) (Config, error)
}

// ConfigStore is a ConfigSource that also accepts operator updates.
type ConfigStore interface {
	ConfigSource
	// SaveChatConfig stores cfg and returns it with its new version.
	SaveChatConfig(ctx context.Context, cfg Config) (Config, error)
}

// ConfigCache serves the chat config from memory for a TTL. Concurrent
// refreshes collapse into one load; a failed refresh keeps serving the last
// good config.
type ConfigCache struct {
	src    ConfigSource
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	cur       Config
	loaded    bool
	fetchedAt time.Time
}

// NewConfigCache wraps src with a TTL cache.
//
// Precondition: src and logger must be non-nil; ttl > 0.
func NewConfigCache(src ConfigSource, ttl time.Duration, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{src: src, ttl: ttl, now: time.Now, logger: logger}
}

// Get returns the cached config, refreshing it when the TTL has lapsed.
//
// Postcondition: Returns an error only when no config has ever been loaded.
func (c *ConfigCache) Get(ctx context.Context) (Config, error) {
	c.mu.RLock()
	cur, loaded, fresh := c.cur, c.loaded, c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if loaded && fresh {
		return cur, nil
	}

	v, err, _ := c.group.Do("chat-config", func() (any, error) {
		cfg, err := c.src.ChatConfig(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cur, c.loaded, c.fetchedAt = cfg, true, c.now()
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		if loaded {
			c.logger.Warn("chat config refresh failed; serving stale config",
				zap.Int64("version", cur.Version),
				zap.Error(err),
			)
			return cur, nil
		}
		return Config{}, fmt.Errorf("chat: loading config: %w", err)
	}
	return v.(Config), nil
}

// Invalidate forces the next Get to reload.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// StaticSource serves a fixed config. Useful for tests and single-node setups
// without a durable config table.
type StaticSource struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStaticSource returns a StaticSource holding cfg.
func NewStaticSource(cfg Config) *StaticSource { return &StaticSource{cfg: cfg} }

func (s *StaticSource) ChatConfig(context.Context) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, nil
}

func (s *StaticSource) SaveChatConfig(_ context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.Version = s.cfg.Version + 1
	s.cfg = cfg
	return cfg, nil
}
