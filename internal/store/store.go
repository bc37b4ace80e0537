// Package store provides the data access layer for the queue tables.
// Straightforward reads and writes go through bun over a *sql.DB (wrapping
// pgxpool via stdlib). The claim path uses *pgxpool.Pool directly so the
// whole claim is a single native pgx statement.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store is the central data access object for jobs and response slots.
type Store struct {
	pool  *pgxpool.Pool
	db    *sql.DB
	bun   *bun.DB
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for every timestamp the store writes or
// compares against. Workers sharing a table are assumed to agree on time.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Store backed by pool. The same pool serves bun queries (via
// the stdlib adapter) and the native pgx claim statement.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	db := stdlib.OpenDBFromPool(pool)
	s := &Store{
		pool:  pool,
		db:    db,
		bun:   bun.NewDB(db, pgdialect.New()),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Now returns the store clock's current time, truncated to the microsecond
// precision Postgres keeps.
func (s *Store) Now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
