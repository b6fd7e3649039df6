package devices_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimhq/pim/internal/devices"
)

func setupIntegration(t *testing.T) (*devices.Service, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)

	return devices.NewService(nil, pool), pool
}

func TestRegisterGetTouch(t *testing.T) {
	svc, pool := setupIntegration(t)
	ctx := context.Background()

	name := fmt.Sprintf("test-device-%d", time.Now().UnixNano())
	device, err := svc.Register(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, device.ID)
	})

	got, err := svc.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.True(t, got.LastSeenAt.IsZero(), "fresh device has never been seen")

	require.NoError(t, svc.Touch(ctx, device.ID))
	got, err = svc.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, got.LastSeenAt.IsZero(), "touch records activity")
}

func TestTouchDeletedDevice(t *testing.T) {
	svc, pool := setupIntegration(t)
	ctx := context.Background()

	device, err := svc.Register(ctx, fmt.Sprintf("test-device-%d", time.Now().UnixNano()))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, device.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Touch(ctx, device.ID), devices.ErrNotFound)
	_, err = svc.Get(ctx, device.ID)
	assert.ErrorIs(t, err, devices.ErrNotFound)
}
