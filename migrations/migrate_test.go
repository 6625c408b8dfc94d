package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hemoroute/internal/testutil"
	"hemoroute/migrations"
)

func TestApplyIsIdempotent(t *testing.T) {
	pool := testutil.NewPool(t)
	ctx := context.Background()

	require.NoError(t, migrations.Apply(ctx, pool))
	var first int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&first))
	require.GreaterOrEqual(t, first, 1)

	require.NoError(t, migrations.Apply(ctx, pool))
	var second int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&second))
	require.Equal(t, first, second)
}
