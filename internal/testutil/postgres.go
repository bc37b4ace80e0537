// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/migrations"
)

// TestDB wraps a Store backed by a throwaway database. It embeds *store.Store
// so all store methods are directly callable.
type TestDB struct {
	*store.Store
	// ConnString points at the container, for tests that need a second pool.
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. The container and pool are cleaned up via
// t.Cleanup. opts are passed to store.New (typically store.WithClock).
func NewTestDB(t *testing.T, opts ...store.Option) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("queued_test"),
		tcpostgres.WithUsername("queued_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	// Simple query protocol lets postgres execute multi-statement migration
	// files natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	if _, err := migrations.Up(db); err != nil {
		t.Fatalf("%v", err)
	}

	tdb := &TestDB{ConnString: connStr}
	tdb.Store = tdb.OpenStore(t, pgx.QueryExecModeSimpleProtocol, opts...)
	return tdb
}

// OpenStore returns a second Store on the same database whose pool runs in
// the given query exec mode. The default pool uses the simple protocol, as
// production does unless DB_QUERY_EXEC_MODE says otherwise.
func (d *TestDB) OpenStore(t *testing.T, mode pgx.QueryExecMode, opts ...store.Option) *store.Store {
	t.Helper()
	poolCfg, err := pgxpool.ParseConfig(d.ConnString)
	if err != nil {
		t.Fatalf("parse pool config: %v", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = mode
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return store.New(pool, opts...)
}
