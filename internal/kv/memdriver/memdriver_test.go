package memdriver_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func TestSetThenGetRoundTrip(t *testing.T) {
	store := memdriver.New()
	key := []byte("k1")

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		tx.Set(ctx, key, []byte("v1"))
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		v, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	store := memdriver.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		_, err := tx.Get(ctx, []byte("missing"))
		require.ErrorIs(t, err, kv.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestGetRangeReturnsOrderedAndReversed(t *testing.T) {
	store := memdriver.New()
	_ = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		tx.Set(ctx, []byte("a"), []byte("1"))
		tx.Set(ctx, []byte("b"), []byte("2"))
		tx.Set(ctx, []byte("c"), []byte("3"))
		return nil
	})

	var fwd, rev []kv.KeyValue
	_ = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		var err error
		fwd, err = tx.GetRange(ctx, kv.RangeOptions{Begin: []byte("a"), End: []byte("z")})
		require.NoError(t, err)
		rev, err = tx.GetRange(ctx, kv.RangeOptions{Begin: []byte("a"), End: []byte("z"), Reverse: true})
		return err
	})
	require.Equal(t, []string{"a", "b", "c"}, keysOf(fwd))
	require.Equal(t, []string{"c", "b", "a"}, keysOf(rev))
}

func keysOf(rows []kv.KeyValue) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key)
	}
	return out
}

// TestConcurrentWritersOneWinsOneRetries exercises the optimistic-concurrency
// contract from spec.md §4.A: a transaction that read a key another
// transaction concurrently wrote must retry rather than silently commit a
// stale view. Invariant 4 (slot conservation) in spec.md §8 depends on this.
func TestConcurrentWritersOneWinsOneRetries(t *testing.T) {
	store := memdriver.New()
	key := []byte("counter")
	_ = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		tx.Set(ctx, key, []byte{0})
		return nil
	})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
				v, err := tx.Get(ctx, key)
				require.NoError(t, err)
				tx.Set(ctx, key, []byte{v[0] + 1})
				return nil
			})
		}()
	}
	wg.Wait()

	_ = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		v, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.EqualValues(t, n, v[0])
		return nil
	})
}
