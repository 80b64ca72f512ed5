package scheduler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func putRunner(t *testing.T, store kv.Store, ns, runnerName string, version, slots uint64, lastPingTS int64) uuid.UUID {
	t.Helper()
	runnerID := uuid.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		return PutRunnerIndex(ctx, tx, RunnerIndexEntry{
			Namespace: ns, RunnerName: runnerName, Version: version, LastPingTS: lastPingTS, RunnerID: runnerID,
			RunnerIndexValue: RunnerIndexValue{RunnerWorkflowID: uuid.New(), RemainingSlots: slots, TotalSlots: slots},
		})
	})
	require.NoError(t, err)
	return runnerID
}

func TestAllocateActor_PicksHighestVersionThenBinPacks(t *testing.T) {
	store := memdriver.New()
	oldRunner := putRunner(t, store, "ns1", "game", 1, 2, 1000)
	newRunnerLoaded := putRunner(t, store, "ns1", "game", 2, 1, 1000)
	newRunnerFree := putRunner(t, store, "ns1", "game", 2, 2, 1000)

	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.False(t, result.Pending)
	// Bin-packing prefers the most-loaded eligible runner in the highest
	// version tier: newRunnerLoaded (1 remaining) over newRunnerFree (2).
	require.Equal(t, newRunnerLoaded, result.RunnerID)
	require.NotEqual(t, oldRunner, result.RunnerID)
}

func TestAllocateActor_SpreadPrefersLeastLoaded(t *testing.T) {
	store := memdriver.New()
	loaded := putRunner(t, store, "ns1", "game", 1, 1, 1000)
	free := putRunner(t, store, "ns1", "game", 1, 5, 1000)

	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{Spread: true}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.Equal(t, free, result.RunnerID)
	require.NotEqual(t, loaded, result.RunnerID)
}

func TestAllocateActor_SkipsStalePing(t *testing.T) {
	store := memdriver.New()
	stale := putRunner(t, store, "ns1", "game", 1, 5, 1000)
	fresh := putRunner(t, store, "ns1", "game", 1, 1, 50_000)

	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{}, 60_000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.Equal(t, fresh, result.RunnerID)
	require.NotEqual(t, stale, result.RunnerID)
}

func TestAllocateActor_ExhaustedScanEnqueuesPending(t *testing.T) {
	store := memdriver.New()
	putRunner(t, store, "ns1", "game", 1, 0, 1000)

	actorID := uuid.New()
	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", actorID, 0, PoolPolicy{}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.True(t, result.Pending)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		pending, err := ScanPending(ctx, tx, "ns1", "game", 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, actorID, pending[0].ActorID)
		return nil
	})
	require.NoError(t, err)
}

func TestAllocateActor_NonEmptyQueueForcesEnqueueEvenWithCapacity(t *testing.T) {
	store := memdriver.New()
	putRunner(t, store, "ns1", "game", 1, 5, 1000)

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		return Enqueue(ctx, tx, "ns1", "game", uuid.New(), 0, 1500)
	})
	require.NoError(t, err)

	var result AllocationResult
	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.True(t, result.Pending, "a new arrival must queue behind actors already waiting")
}

func TestAllocateActor_CrossVersionFallbackUsesLowerTierWhenHighestExhausted(t *testing.T) {
	store := memdriver.New()
	lowTier := putRunner(t, store, "ns1", "game", 1, 3, 1000)
	putRunner(t, store, "ns1", "game", 2, 0, 1000)

	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{CrossVersionFallback: true}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.False(t, result.Pending)
	require.Equal(t, lowTier, result.RunnerID)
}

func TestAllocateActor_WithoutCrossVersionFallbackEnqueuesInstead(t *testing.T) {
	store := memdriver.New()
	putRunner(t, store, "ns1", "game", 1, 3, 1000)
	putRunner(t, store, "ns1", "game", 2, 0, 1000)

	var result AllocationResult
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := AllocateActor(ctx, tx, "ns1", "game", uuid.New(), 0, PoolPolicy{}, 2000)
		result = r
		return err
	})
	require.NoError(t, err)
	require.True(t, result.Pending)
}

func TestDeallocateActor_RestoresSlotAndClearsAssignment(t *testing.T) {
	store := memdriver.New()
	actorID := uuid.New()
	var runnerID uuid.UUID
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		runnerID = uuid.New()
		entry := RunnerIndexEntry{
			Namespace: "ns1", RunnerName: "game", Version: 1, LastPingTS: 1000, RunnerID: runnerID,
			RunnerIndexValue: RunnerIndexValue{RunnerWorkflowID: uuid.New(), RemainingSlots: 2, TotalSlots: 3},
		}
		if err := PutRunnerIndex(ctx, tx, entry); err != nil {
			return err
		}
		tx.Set(ctx, kv.RunnerActorKey(runnerID, actorID), nil)
		tx.Set(ctx, kv.ActorRunnerIDKey(actorID), mustJSON(runnerID))

		fullyEmpty, err := DeallocateActor(ctx, tx, entry, actorID, false)
		require.NoError(t, err)
		require.True(t, fullyEmpty)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		_, getErr := tx.Get(ctx, kv.ActorRunnerIDKey(actorID))
		require.ErrorIs(t, getErr, kv.ErrNotFound)

		candidates, err := ScanCandidates(ctx, tx, "ns1", "game", false)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		require.Equal(t, uint64(3), candidates[0].RemainingSlots)
		return nil
	})
	require.NoError(t, err)
}

func TestDeallocateActor_SingleActorPoolFullyEmptySkipsReinsertion(t *testing.T) {
	store := memdriver.New()
	actorID := uuid.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		runnerID := uuid.New()
		entry := RunnerIndexEntry{
			Namespace: "ns1", RunnerName: "game", Version: 1, LastPingTS: 1000, RunnerID: runnerID,
			RunnerIndexValue: RunnerIndexValue{RunnerWorkflowID: uuid.New(), RemainingSlots: 0, TotalSlots: 1},
		}
		if err := PutRunnerIndex(ctx, tx, entry); err != nil {
			return err
		}
		fullyEmpty, err := DeallocateActor(ctx, tx, entry, actorID, true)
		require.NoError(t, err)
		require.True(t, fullyEmpty)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		candidates, err := ScanCandidates(ctx, tx, "ns1", "game", false)
		require.NoError(t, err)
		require.Empty(t, candidates, "single-actor pool runner left fully empty must not be rewritten into the index")
		return nil
	})
	require.NoError(t, err)
}
