package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	logger := obs.NewLogger(io.Discard, "test", obs.LogLevelError)
	s := store.NewWithClient(cli, model.StoreConfig{}, logger, nil)
	return New(s, 1, logger, nil), mr
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestActivateIdempotent(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	d := date(2017, 3, 13)

	require.NoError(t, r.Activate(ctx, d))
	require.NoError(t, r.Activate(ctx, d))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2017-03-13"}, active)

	// The second activation must not double the list entry.
	list, err := mr.List("1:active-queues-list")
	require.NoError(t, err)
	assert.Equal(t, []string{"2017-03-13"}, list)
}

func TestDeactivate(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	d := date(2017, 3, 13)

	require.NoError(t, r.Activate(ctx, d))
	require.NoError(t, r.Deactivate(ctx, d))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	list, err := mr.List("1:active-queues-list")
	if err == nil {
		assert.Empty(t, list)
	}

	// Deactivating an inactive date is a no-op.
	require.NoError(t, r.Deactivate(ctx, d))
}

func TestCycleRoundRobin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, ok, err := r.Cycle(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty registry cycles nothing")

	first := date(2017, 3, 13)
	second := date(2017, 3, 14)
	require.NoError(t, r.Activate(ctx, first))
	require.NoError(t, r.Activate(ctx, second))

	// Oldest activation first, then round-robin.
	var got []time.Time
	for i := 0; i < 4; i++ {
		d, ok, err := r.Cycle(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, d)
	}
	assert.True(t, model.SameDay(got[0], first))
	assert.True(t, model.SameDay(got[1], second))
	assert.True(t, model.SameDay(got[2], first))
	assert.True(t, model.SameDay(got[3], second))
}

func TestReconcileRestoresMissing(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	dates := []time.Time{date(2017, 3, 13), date(2017, 3, 14), date(2017, 3, 15)}
	for _, d := range dates {
		require.NoError(t, r.Activate(ctx, d))
	}

	// Simulate the divergence Reconcile exists for: a date in the set whose
	// list entry has gone missing.
	dropped, err := mr.Lpop("1:active-queues-list")
	require.NoError(t, err)

	restored, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{dropped}, restored)

	list, err := mr.List("1:active-queues-list")
	require.NoError(t, err)
	assert.Len(t, list, len(dates))
	assert.Contains(t, list, dropped)

	// A healthy registry reconciles to nothing.
	restored, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, restored)
}
