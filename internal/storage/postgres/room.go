package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
)

// RoomRepository persists rooms as versioned JSONB documents with a
// transactional event outbox. It implements registry.Store.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// CreateRoom inserts r and its events in one transaction.
//
// Postcondition: Returns registry.ErrRoomExists if the id is taken.
func (r *RoomRepository) CreateRoom(ctx context.Context, rm *room.Room, events []protocol.Event) error {
	state, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", rm.ID, err)
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, name, game_type, status, version, created_at, state)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rm.ID, rm.Name, rm.GameType, string(rm.Status), rm.Version, rm.CreatedAt, state,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return registry.ErrRoomExists
			}
			return fmt.Errorf("inserting room %s: %w", rm.ID, err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// LoadRoom returns the stored room.
//
// Postcondition: Returns room.ErrRoomNotFound if no row exists.
func (r *RoomRepository) LoadRoom(ctx context.Context, id string) (*room.Room, error) {
	var (
		state   []byte
		version int64
	)
	err := r.db.QueryRow(ctx, `SELECT state, version FROM rooms WHERE id = $1`, id).Scan(&state, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("loading room %s: %w", id, err)
	}
	return decodeRoom(state, version)
}

// SaveRoom replaces the room when its stored version is expectedVersion and
// appends events to the outbox in the same transaction.
//
// Postcondition: Returns registry.ErrVersionConflict when another writer got
// there first, or room.ErrRoomNotFound when the row is gone.
func (r *RoomRepository) SaveRoom(ctx context.Context, rm *room.Room, expectedVersion int64, events []protocol.Event) error {
	state, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", rm.ID, err)
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET name = $2, game_type = $3, status = $4, version = $5, state = $6
			 WHERE id = $1 AND version = $7`,
			rm.ID, rm.Name, rm.GameType, string(rm.Status), rm.Version, state, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("updating room %s: %w", rm.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, rm.ID).Scan(&exists); err != nil {
				return fmt.Errorf("checking room %s: %w", rm.ID, err)
			}
			if !exists {
				return room.ErrRoomNotFound
			}
			return registry.ErrVersionConflict
		}
		return insertEvents(ctx, tx, events)
	})
}

// ListRooms returns summaries newest first. Finished rooms are archived and
// only listed when the filter asks for them.
func (r *RoomRepository) ListRooms(ctx context.Context, f room.Filter) ([]room.Summary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT state, version FROM rooms
		 WHERE (($1 = '' AND status <> 'finished') OR status = $1)
		   AND ($2 = '' OR game_type = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3`,
		string(f.Status), f.GameType, limitArg(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	out := []room.Summary{}
	for rows.Next() {
		var (
			state   []byte
			version int64
		)
		if err := rows.Scan(&state, &version); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		rm, err := decodeRoom(state, version)
		if err != nil {
			return nil, err
		}
		out = append(out, rm.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	return out, nil
}

// PendingEvents returns outbox events that occurred at or before olderThan,
// in commit order.
func (r *RoomRepository) PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]protocol.Event, error) {
	return r.outbox(ctx,
		`SELECT event FROM room_events WHERE occurred_at <= $1 ORDER BY seq LIMIT $2`,
		olderThan, limitArg(limit),
	)
}

// PendingRoomEvents returns the unpublished outbox events of one room in
// commit order.
func (r *RoomRepository) PendingRoomEvents(ctx context.Context, roomID string) ([]protocol.Event, error) {
	return r.outbox(ctx, `SELECT event FROM room_events WHERE room_id = $1 ORDER BY seq`, roomID)
}

func (r *RoomRepository) outbox(ctx context.Context, sql string, args ...any) ([]protocol.Event, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (protocol.Event, error) {
		var (
			raw []byte
			e   protocol.Event
		)
		if err := row.Scan(&raw); err != nil {
			return e, fmt.Errorf("scanning outbox event: %w", err)
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return e, fmt.Errorf("decoding outbox event: %w", err)
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	return out, nil
}

// AckEvents removes published events from the outbox.
func (r *RoomRepository) AckEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM room_events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("acknowledging %d events: %w", len(ids), err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []protocol.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		batch.Queue(
			`INSERT INTO room_events (id, room_id, occurred_at, event)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			e.ID, e.RoomID, e.OccurredAt, raw,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing outbox: %w", err)
	}
	return nil
}

func decodeRoom(state []byte, version int64) (*room.Room, error) {
	var rm room.Room
	if err := json.Unmarshal(state, &rm); err != nil {
		return nil, fmt.Errorf("decoding room: %w", err)
	}
	rm.Version = version
	if rm.Members == nil {
		rm.Members = make(map[string]*room.Member)
	}
	return &rm, nil
}
