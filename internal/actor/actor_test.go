package actor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

func newTestEngine(t *testing.T, now *int64) (*workflow.Engine, kv.Store, *bus.Bus) {
	t.Helper()
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	registry := workflow.NewRegistry()
	require.NoError(t, Register(registry))
	e := workflow.NewEngine(store, b, registry, nil, "worker-1", workflow.WithClock(func() int64 { return *now }))
	return e, store, b
}

func fetchRow(t *testing.T, store kv.Store, id uuid.UUID) *workflow.Row {
	t.Helper()
	var row *workflow.Row
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := workflow.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	require.NoError(t, err)
	return row
}

func seedRunner(t *testing.T, store kv.Store, ns, selector string, version, slots uint64, lastPingTS int64) (uuid.UUID, uuid.UUID) {
	t.Helper()
	runnerID := uuid.New()
	runnerWorkflowID := uuid.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		return scheduler.PutRunnerIndex(ctx, tx, scheduler.RunnerIndexEntry{
			Namespace: ns, RunnerName: selector, Version: version, LastPingTS: lastPingTS, RunnerID: runnerID,
			RunnerIndexValue: scheduler.RunnerIndexValue{RunnerWorkflowID: runnerWorkflowID, RemainingSlots: slots, TotalSlots: slots},
		})
	})
	require.NoError(t, err)
	return runnerID, runnerWorkflowID
}

func dispatchActor(t *testing.T, e *workflow.Engine, in Input) uuid.UUID {
	t.Helper()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	id, err := e.Dispatch(context.Background(), WorkflowNameActor, nil, b, "ray-1")
	require.NoError(t, err)
	return id
}

func dispatchRunner(t *testing.T, e *workflow.Engine, in RunnerInput) uuid.UUID {
	t.Helper()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	id, err := e.Dispatch(context.Background(), WorkflowNameRunner, nil, b, "ray-runner-1")
	require.NoError(t, err)
	return id
}

func sendSignal(t *testing.T, store kv.Store, target uuid.UUID, name string, body any, now int64) {
	t.Helper()
	bodyBytes, err := json.Marshal(body)
	require.NoError(t, err)
	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		bus.PublishSignal(ctx, tx, target, name, bodyBytes, now)
		return nil
	})
	require.NoError(t, err)
}

func tickUntilIdle(t *testing.T, e *workflow.Engine, maxTicks int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		n, err := e.Tick(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func TestActorWorkflow_AllocatesStartsAndRuns(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	_, runnerWorkflowID := seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 3000})
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalStateUpdate])
	require.True(t, row.WakeSignals[SignalDestroy])

	// The actor must have sent StartActor to the allocated runner workflow.
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		sig, ok, err := bus.PullNextSignal(ctx, tx, runnerWorkflowID, nil, map[string]bool{SignalStartActor: true})
		require.NoError(t, err)
		require.True(t, ok, "runner workflow should have received StartActor")
		require.Equal(t, SignalStartActor, sig.SignalName)
		return nil
	})
	require.NoError(t, err)

	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalStateUpdate], "running actor listens for further state updates")
	require.True(t, row.WakeSignals[SignalDestroy])
}

func TestActorWorkflow_DestroyFromRunningClearsRunnerSlot(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	_, runnerWorkflowID := seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 3000})
	tickUntilIdle(t, e, 5)
	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	sendSignal(t, store, id, SignalDestroy, nil, now)
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.NotNil(t, row.WakeDeadlineTS, "destroy sleeps for kill_timeout_ms before force-stopping")

	now += 3000
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.NotNil(t, row.Output)
	var out Output
	require.NoError(t, json.Unmarshal(row.Output, &out))
	require.True(t, out.Destroyed)

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		candidates, err := scheduler.ScanCandidates(ctx, tx, "ns1", "game", false)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		require.Equal(t, uint64(1), candidates[0].RemainingSlots)

		raw, getErr := tx.Get(ctx, kv.ActorRunnerIDKey(id))
		require.ErrorIs(t, getErr, kv.ErrNotFound)
		require.Empty(t, raw)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		_, ok, err := bus.PullNextSignal(ctx, tx, runnerWorkflowID, nil, map[string]bool{SignalStopActor: true})
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestActorWorkflow_DestroyWhilePendingDequeuesCleanly(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	// No runner seeded: the allocation attempt exhausts the scan and enqueues.

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 3000})
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalAllocate])
	require.True(t, row.WakeSignals[SignalDestroy])

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		hasPending, err := scheduler.HasPending(ctx, tx, "ns1", "game")
		require.NoError(t, err)
		require.True(t, hasPending)
		return nil
	})
	require.NoError(t, err)

	sendSignal(t, store, id, SignalDestroy, nil, now)
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.NotNil(t, row.Output)
	var out Output
	require.NoError(t, json.Unmarshal(row.Output, &out))
	require.True(t, out.Destroyed)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		hasPending, err := scheduler.HasPending(ctx, tx, "ns1", "game")
		require.NoError(t, err)
		require.False(t, hasPending, "destroy while pending must dequeue the entry")
		return nil
	})
	require.NoError(t, err)
}

func TestActorWorkflow_GCTimeoutReschedulesThenSucceeds(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	_, runnerWorkflowID := seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 3000})
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.NotNil(t, row.WakeDeadlineTS, "waiting on the GC deadline for the first StateUpdate")

	// Let the GC deadline expire without a StateUpdate; reschedule should
	// back off and retry the allocation against the same runner.
	now += int64(gcTimeoutDuration/time.Millisecond) + 1
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.NotNil(t, row.WakeDeadlineTS, "reschedule's backoff sleep before retrying")

	now += int64(baseRetryTimeoutMS) + 1
	tickUntilIdle(t, e, 5)

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		sig, ok, err := bus.PullNextSignal(ctx, tx, runnerWorkflowID, nil, map[string]bool{SignalStartActor: true})
		require.NoError(t, err)
		require.True(t, ok, "reschedule must re-send StartActor once reallocated")
		require.Equal(t, SignalStartActor, sig.SignalName)
		return nil
	})
	require.NoError(t, err)

	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalStateUpdate], "must be in the steady-state loop, not re-allocating")
}

func TestActorWorkflow_DrainAutoDestroysOnTimeout(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 1000})
	tickUntilIdle(t, e, 5)
	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	sendSignal(t, store, id, SignalDrain, drainBody{DrainTimeoutMS: 5000}, now)
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.NotNil(t, row.WakeDeadlineTS, "drain waits out drain_timeout_ms minus padding")

	now += 5000
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.NotNil(t, row.WakeDeadlineTS, "destroy's own kill-timeout sleep")

	now += 1000
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.NotNil(t, row.Output)
	var out Output
	require.NoError(t, json.Unmarshal(row.Output, &out))
	require.True(t, out.Destroyed)
}

func TestActorWorkflow_DrainUndrainReturnsToSteadyState(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 1000})
	tickUntilIdle(t, e, 5)
	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	sendSignal(t, store, id, SignalDrain, drainBody{DrainTimeoutMS: 5000}, now)
	tickUntilIdle(t, e, 5)

	sendSignal(t, store, id, SignalUndrain, nil, now)
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.Nil(t, row.Output, "undrain must not destroy the actor")
	require.True(t, row.WakeSignals[SignalDrain], "back in the steady-state loop, drainable again")
}

func TestActorWorkflow_PendingActorAllocatedOnRunnerPingJoinsRunning(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)

	runnerID := uuid.New()
	runnerWorkflowID := dispatchRunner(t, e, RunnerInput{
		RunnerID: runnerID, Namespace: "ns1", RunnerName: "game", Version: 1, TotalSlots: 0,
	})
	tickUntilIdle(t, e, 5)

	// No free slots anywhere: the actor must be enqueued rather than
	// allocated.
	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 3000})
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalAllocate], "queued actor listens for Allocate")

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		hasPending, err := scheduler.HasPending(ctx, tx, "ns1", "game")
		require.NoError(t, err)
		require.True(t, hasPending)
		return nil
	})
	require.NoError(t, err)

	// The runner frees a slot and pings; this must dequeue the pending
	// actor and tell it which runner it landed on.
	sendSignal(t, store, runnerWorkflowID, SignalPing, pingBody{RemainingSlots: 1}, now)
	tickUntilIdle(t, e, 5)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		hasPending, err := scheduler.HasPending(ctx, tx, "ns1", "game")
		require.NoError(t, err)
		require.False(t, hasPending, "ping must dequeue the waiting actor")
		return nil
	})
	require.NoError(t, err)

	// The actor must now have sent StartActor to the real runner it was
	// allocated to, not the zero UUID a nil Allocate body would produce.
	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		sig, ok, err := bus.PullNextSignal(ctx, tx, runnerWorkflowID, nil, map[string]bool{SignalStartActor: true})
		require.NoError(t, err)
		require.True(t, ok, "allocated actor must send StartActor to its runner workflow")
		require.Equal(t, SignalStartActor, sig.SignalName)
		return nil
	})
	require.NoError(t, err)

	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	row = fetchRow(t, store, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals[SignalStateUpdate], "must reach the steady-state running loop")
}

func TestActorWorkflow_LostStatusReleasesOldSlotAndReschedules(t *testing.T) {
	now := int64(1000)
	e, store, _ := newTestEngine(t, &now)
	runnerID, runnerWorkflowID := seedRunner(t, store, "ns1", "game", 1, 1, now)

	id := dispatchActor(t, e, Input{Namespace: "ns1", RunnerSelector: "game", DrainTimeoutMS: 5000, KillTimeoutMS: 1000})
	tickUntilIdle(t, e, 5)
	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusRunning}, now)
	tickUntilIdle(t, e, 5)

	sendSignal(t, store, id, SignalStateUpdate, stateUpdateBody{Status: StatusLost}, now)
	tickUntilIdle(t, e, 5)

	row := fetchRow(t, store, id)
	require.Nil(t, row.Output, "a lost actor reschedules rather than terminating")
	require.NotNil(t, row.WakeDeadlineTS, "reschedule backs off before its first retry")

	// Lost must release the stale assignment before backing off, not after,
	// so the runner's own slot accounting reflects reality immediately.
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		candidates, err := scheduler.ScanCandidates(ctx, tx, "ns1", "game", false)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		require.Equal(t, uint64(1), candidates[0].RemainingSlots)
		require.Equal(t, runnerID, candidates[0].RunnerID)
		return nil
	})
	require.NoError(t, err)

	now += int64(baseRetryTimeoutMS) + 1
	tickUntilIdle(t, e, 5)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		sig, ok, err := bus.PullNextSignal(ctx, tx, runnerWorkflowID, nil, map[string]bool{SignalStartActor: true})
		require.NoError(t, err)
		require.True(t, ok, "reschedule must reallocate once the old slot is freed")
		require.Equal(t, SignalStartActor, sig.SignalName)
		return nil
	})
	require.NoError(t, err)
}
