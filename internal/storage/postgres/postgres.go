// Package postgres is the durable Room Store, Chat Store and chat config
// source, built on pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameroom/internal/config"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// Pool is the connection pool shared by the room, chat and config
// repositories of one coordinator instance.
type Pool struct {
	pool       *pgxpool.Pool
	instanceID string
}

// NewPool connects the room store for the coordinator named instanceID.
// Connections carry application_name "gameroom/<instanceID>" so each
// instance's sessions can be told apart in pg_stat_activity.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a Pool that answered a ping, or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, instanceID string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("room store: parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName(instanceID)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("room store: opening pool for %s: %w", instanceID, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("room store: %s:%d unreachable: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{pool: pool, instanceID: instanceID}, nil
}

// ApplicationName is the application_name an instance's connections report.
func ApplicationName(instanceID string) string {
	return "gameroom/" + instanceID
}

// Health reports whether the room store can serve reads. It queries the
// rooms table, so a reachable database with missing migrations is unhealthy.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM (SELECT 1 FROM rooms LIMIT 1) r`).Scan(&n); err != nil {
		return fmt.Errorf("room store health for %s: %w", p.instanceID, err)
	}
	return nil
}

// Close releases every connection. The repositories built on DB must not
// be used afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the pool the repositories query through.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// limitArg maps a zero limit to SQL NULL, which LIMIT treats as unbounded.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
