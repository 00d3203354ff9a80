package database_test

import (
	"context"
	"testing"

	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	_, err := database.Migrate(context.Background(), nil, t.TempDir(), "sideways")
	assert.Error(t, err)
}

func TestMigrateMissingDirectory(t *testing.T) {
	_, err := database.Migrate(context.Background(), nil, "/does/not/exist", "up")
	assert.Error(t, err)
}

func TestMigrateEmptyDirectory(t *testing.T) {
	applied, err := database.Migrate(context.Background(), nil, t.TempDir(), "up")
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrateDownThenUp(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	down, err := database.Migrate(ctx, db, pgtest.MigrationsDir(), "down")
	require.NoError(t, err)
	require.NotEmpty(t, down)

	var exists bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass('public.orders') IS NOT NULL`).Scan(&exists))
	assert.False(t, exists)

	up, err := database.Migrate(ctx, db, pgtest.MigrationsDir(), "up")
	require.NoError(t, err)
	assert.Len(t, up, len(down))

	require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass('public.orders') IS NOT NULL`).Scan(&exists))
	assert.True(t, exists)
}
