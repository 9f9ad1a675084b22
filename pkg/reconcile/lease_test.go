package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/idp"
	"github.com/batbern/identity-reconciler/pkg/storage"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestLease_SingleHolder(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()

	first := NewLease(client, "recon:lease", time.Minute)
	second := NewLease(client, "recon:lease", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := second.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_ReleaseByNonHolderIsANoOp(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()

	holder := NewLease(client, "recon:lease", time.Minute)
	intruder := NewLease(client, "recon:lease", time.Minute)

	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, intruder.Release(ctx))

	held, err := holder.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLease_ExpiresAfterTTL(t *testing.T) {
	srv, client := testRedis(t)
	ctx := context.Background()

	crashed := NewLease(client, "recon:lease", time.Second)
	ok, err := crashed.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)

	successor := NewLease(client, "recon:lease", time.Minute)
	ok, err = successor.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduler_RunOnceSkipsWhenLeaseHeld(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()

	store := storage.NewMemory()
	engine := newTestReconciler(store, idp.NewMemory())
	lease := NewLease(client, "recon:lease", time.Minute)

	scheduler, err := NewScheduler(engine, lease, "@every 1h", testLogger())
	require.NoError(t, err)

	peer := NewLease(client, "recon:lease", time.Minute)
	ok, err := peer.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = scheduler.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, peer.Release(ctx))

	report, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.ReportSuccess, report.Status)

	// The lease is released after the run.
	held, err := lease.Held(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	_, client := testRedis(t)
	engine := newTestReconciler(storage.NewMemory(), idp.NewMemory())
	lease := NewLease(client, "recon:lease", time.Minute)

	_, err := NewScheduler(engine, lease, "not a schedule", testLogger())
	assert.Error(t, err)
}
