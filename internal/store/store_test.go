package store

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	logger := obs.NewLogger(io.Discard, "test", obs.LogLevelError)
	return NewWithClient(cli, model.StoreConfig{}, logger, nil), mr
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestAtomicallyCommits(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Atomically(ctx, "test.commit", []string{"k"}, func(ctx context.Context, tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", "v", 0)
			return nil
		})
		return err
	})
	require.NoError(t, err)

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestAtomicallyPassesDomainErrorsThrough(t *testing.T) {
	s, _ := newTestStore(t)
	sentinel := errors.New("domain rejection")

	calls := 0
	err := s.Atomically(context.Background(), "test.reject", []string{"k"}, func(ctx context.Context, tx *redis.Tx) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	// Domain rejections are final; only watch conflicts are retried.
	assert.Equal(t, 1, calls)
}

func TestOrgKeysNamespacing(t *testing.T) {
	k := OrgKeys(7)
	day := time.Date(2017, 3, 13, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "7:active-queues-set", k.ActiveQueueSet())
	assert.Equal(t, "7:active-queues-list", k.ActiveQueueList())
	assert.Equal(t, "7:2017-03-13:borrow", k.BorrowQueue(day))
	assert.Equal(t, "7:2017-03-13:lend", k.LendQueue(day))
	assert.Equal(t, "7:fixed-daystates", k.FixedDaystates())
	assert.Equal(t, "7:daystate-sequence", k.DaystateSequence())
	assert.Equal(t, "7:global-rules", k.GlobalRules())
	assert.Equal(t, "7:single-rules", k.SingleRules())
	assert.Equal(t, "7:current-state-cache", k.StateCache())
	assert.Equal(t, "7:current-state-cache-index", k.StateCacheIndex())

	userHash, ok := k.TokenHash(model.ObjUser)
	require.True(t, ok)
	assert.Equal(t, "7:user-tokens", userHash)
	passHash, ok := k.TokenHash(model.ObjPass)
	require.True(t, ok)
	assert.Equal(t, "7:pass-tokens", passHash)
	_, ok = k.TokenHash(model.ObjKind(99))
	assert.False(t, ok)
}

func TestAtomicallyRetriesOnConflict(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("k", "base"))

	calls := 0
	err := s.Atomically(ctx, "test.conflict", []string{"k"}, func(ctx context.Context, tx *redis.Tx) error {
		calls++
		cur, err := tx.Get(ctx, "k").Result()
		if err != nil {
			return err
		}
		if calls == 1 {
			// Another writer touches the watched key before the commit.
			require.NoError(t, mr.Set("k", "interloper"))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", cur+"+applied", 0)
			return nil
		})
		return err
	})
	require.NoError(t, err)

	// First attempt aborted on the watch, second saw the new value and
	// committed.
	assert.Equal(t, 2, calls)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "interloper+applied", got)
}

func TestAtomicallyExhaustsConflictBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	logger := obs.NewLogger(io.Discard, "test", obs.LogLevelError)
	s := NewWithClient(cli, model.StoreConfig{
		TxAttempts: 3,
		TxBackoff:  time.Millisecond,
	}, logger, nil)

	calls := 0
	err := s.Atomically(context.Background(), "test.hotkey", []string{"k"}, func(ctx context.Context, tx *redis.Tx) error {
		calls++
		// The key stays hot for the whole budget.
		require.NoError(t, mr.Set("k", strconv.Itoa(calls)))
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", "mine", 0)
			return nil
		})
		return err
	})
	assert.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, 3, calls)

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestAtomicallyBoundsCallbackContext(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	logger := obs.NewLogger(io.Discard, "test", obs.LogLevelError)
	s := NewWithClient(cli, model.StoreConfig{
		OpTimeout: 250 * time.Millisecond,
	}, logger, nil)

	err := s.Atomically(context.Background(), "test.deadline", []string{"k"}, func(ctx context.Context, tx *redis.Tx) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "callback context must carry the op timeout")
		assert.LessOrEqual(t, time.Until(deadline), 250*time.Millisecond)
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", "v", 0)
			return nil
		})
		return err
	})
	require.NoError(t, err)
}
