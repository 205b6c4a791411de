package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

const (
	fieldEvent = "event"
	fieldRoom  = "room"
	readCount  = 100
)

// RedisOptions configures a Redis Streams log.
type RedisOptions struct {
	// Prefix names the streams; partition n lives at "<Prefix>:<n>".
	Prefix string
	// Partitions is the number of streams rooms are hashed across.
	Partitions int
	// Group is the consumer group. Every fan-out instance needs every event,
	// so each instance uses its own group.
	Group string
	// Consumer names this reader inside Group.
	Consumer string
	// Block is how long one read waits for new entries.
	Block time.Duration
	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

// Redis is a Log on Redis Streams. Each room hashes to one stream so its
// events stay ordered; consumer groups give at-least-once delivery that
// resumes after a restart.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedis creates a Redis log.
//
// Precondition: client and logger must be non-nil; opts.Partitions > 0.
func NewRedis(client *redis.Client, opts RedisOptions, logger *zap.Logger) *Redis {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	return &Redis{client: client, opts: opts, logger: logger}
}

// Stream returns the stream that carries roomID's events.
func (l *Redis) Stream(roomID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return l.partition(int(h.Sum32() % uint32(l.opts.Partitions)))
}

func (l *Redis) partition(n int) string {
	return fmt.Sprintf("%s:%d", l.opts.Prefix, n)
}

func (l *Redis) streams() []string {
	out := make([]string, l.opts.Partitions)
	for i := range out {
		out[i] = l.partition(i)
	}
	return out
}

// Publish implements Log. All events go out in one pipeline.
func (l *Redis) Publish(ctx context.Context, events ...protocol.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := l.client.Pipeline()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("eventlog: encoding %s: %w", e.ID, err)
		}
		args := &redis.XAddArgs{
			Stream: l.Stream(e.RoomID),
			Values: map[string]any{fieldEvent: data, fieldRoom: e.RoomID},
		}
		if l.opts.MaxLen > 0 {
			args.MaxLen = l.opts.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// EnsureGroups creates the consumer group on every stream, starting at the
// current end of each.
func (l *Redis) EnsureGroups(ctx context.Context) error {
	for _, s := range l.streams() {
		err := l.client.XGroupCreateMkStream(ctx, s, l.opts.Group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("%w: creating group on %s: %w", ErrUnavailable, s, err)
		}
	}
	return nil
}

// Subscribe implements Log. It first replays entries this consumer read but
// never acknowledged, then follows new entries. Redis errors are logged and
// retried; Subscribe only returns once ctx is done or the groups cannot be
// created.
func (l *Redis) Subscribe(ctx context.Context, h Handler) error {
	if err := l.EnsureGroups(ctx); err != nil {
		return err
	}
	streams := l.streams()
	backlog := true
	delay := 100 * time.Millisecond
	for ctx.Err() == nil {
		start := ">"
		if backlog {
			start = "0"
		}
		args := make([]string, 0, 2*len(streams))
		args = append(args, streams...)
		for range streams {
			args = append(args, start)
		}
		res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.opts.Group,
			Consumer: l.opts.Consumer,
			Streams:  args,
			Count:    readCount,
			Block:    l.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			l.logger.Warn("event log read failed", zap.Error(err), zap.Duration("retry_in", delay))
			sleep(ctx, delay)
			delay = min(delay*2, 5*time.Second)
			continue
		}
		delay = 100 * time.Millisecond

		read, failed := 0, false
		for _, s := range res {
			for _, msg := range s.Messages {
				read++
				if !l.deliver(ctx, s.Stream, msg, h) {
					// Later entries of this stream wait so room order holds.
					failed = true
					break
				}
			}
		}
		switch {
		case failed:
			backlog = true
			sleep(ctx, redeliverDelay)
		case backlog && read == 0:
			backlog = false
		}
	}
	return nil
}

// deliver hands one entry to h and acknowledges it on success. Entries that
// cannot be decoded are acknowledged and dropped.
func (l *Redis) deliver(ctx context.Context, stream string, msg redis.XMessage, h Handler) bool {
	raw, _ := msg.Values[fieldEvent].(string)
	var e protocol.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		l.logger.Error("dropping undecodable event",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
		l.ack(ctx, stream, msg.ID)
		return true
	}
	if err := h(ctx, e); err != nil {
		l.logger.Warn("event handler failed; will redeliver",
			zap.String("event_id", e.ID),
			zap.String("room_id", e.RoomID),
			zap.Error(err),
		)
		return false
	}
	l.ack(ctx, stream, msg.ID)
	return true
}

func (l *Redis) ack(ctx context.Context, stream, id string) {
	if err := l.client.XAck(ctx, stream, l.opts.Group, id).Err(); err != nil {
		l.logger.Warn("event ack failed", zap.String("stream", stream), zap.String("entry_id", id), zap.Error(err))
	}
}

// Health pings Redis.
func (l *Redis) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
