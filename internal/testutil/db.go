// README: Postgres helpers for DB-backed tests; skipped unless HEMO_TEST_DSN is set.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hemoroute/migrations"
)

const testLockID int64 = 724019002

// NewPool connects to HEMO_TEST_DSN, applies migrations and serializes DB
// tests across packages with a session advisory lock.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("HEMO_TEST_DSN")
	if dsn == "" {
		t.Skip("HEMO_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.MaxConns = 32
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("postgres unreachable: %v", err)
	}
	t.Cleanup(pool.Close)

	lock, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire lock conn: %v", err)
	}
	if _, err := lock.Exec(context.Background(), `SELECT pg_advisory_lock($1)`, testLockID); err != nil {
		lock.Release()
		t.Fatalf("lock test db: %v", err)
	}
	t.Cleanup(func() {
		_, _ = lock.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, testLockID)
		lock.Release()
	})

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	Reset(t, pool)
	return pool
}

func Reset(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE rider_positions, waypoints, delivery_events, deliveries,
		         reservation_outcomes, inventory_units, inbox_entries,
		         request_events, blood_requests, profiles`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// InsertProfile seeds a profile row; lat/lng may be nil.
func InsertProfile(t *testing.T, pool *pgxpool.Pool, id, role, bloodGroup string, lat, lng *float64) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO profiles (id, role, blood_group, lat, lng) VALUES ($1, $2, $3, $4, $5)`,
		id, role, bloodGroup, lat, lng)
	if err != nil {
		t.Fatalf("insert profile %s: %v", id, err)
	}
}
