package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func newTestEngine(activities ActivityRegistry, clock func() int64) (*Engine, *Registry, kv.Store) {
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	registry := NewRegistry()
	e := NewEngine(store, b, registry, activities, "worker-1", WithClock(clock))
	return e, registry, store
}

func fetchRow(t *testing.T, e *Engine, id uuid.UUID) *Row {
	t.Helper()
	var row *Row
	err := e.store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		r, err := Get(ctx, tx, id)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	require.NoError(t, err)
	return row
}

func TestEngine_SimpleWorkflowCompletesInOnePass(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	e, registry, _ := newTestEngine(nil, func() int64 { return now })

	require.NoError(t, registry.Register("echo", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}))

	id, err := e.Dispatch(ctx, "echo", nil, []byte(`"hello"`), "ray-1")
	require.NoError(t, err)

	n, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row := fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`"hello"`), row.Output)
	require.Empty(t, row.WorkerID)
}

func TestEngine_ActivityRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	attempts := 0
	activities := ActivityRegistry{
		"flaky": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 3 {
				return nil, errs.NewUnrecoverable("TRANSIENT", "not yet")
			}
			return []byte(`"ok"`), nil
		},
	}
	e, registry, _ := newTestEngine(activities, func() int64 { return now })
	require.NoError(t, registry.Register("uses-activity", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		return wfCtx.Activity("flaky", nil)
	}))

	id, err := e.Dispatch(ctx, "uses-activity", nil, nil, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n, err := e.Tick(ctx)
		require.NoError(t, err)
		row := fetchRow(t, e, id)
		if row.Output != nil || row.Error != "" {
			break
		}
		if n == 0 {
			t.Fatal("workflow never became runnable again")
		}
		now += int64(10 * time.Minute / time.Millisecond)
	}

	row := fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`"ok"`), row.Output)
	require.Equal(t, 3, attempts)
}

func TestEngine_ActivityExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	activities := ActivityRegistry{
		"always-fails": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, errs.NewUnrecoverable("BOOM", "nope")
		},
	}
	e, registry, _ := newTestEngine(activities, func() int64 { return now })
	require.NoError(t, registry.Register("doomed", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		return wfCtx.Activity("always-fails", nil)
	}))

	id, err := e.Dispatch(ctx, "doomed", nil, nil, "")
	require.NoError(t, err)

	for i := 0; i < maxActivityAttempts+2; i++ {
		_, err := e.Tick(ctx)
		require.NoError(t, err)
		row := fetchRow(t, e, id)
		if row.Output != nil || row.Error != "" {
			break
		}
		now += int64(10 * time.Minute / time.Millisecond)
	}

	row := fetchRow(t, e, id)
	require.Nil(t, row.Output)
	require.Contains(t, row.Error, "BOOM")
}

func TestEngine_SleepSuspendsAcrossTicksThenCompletes(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	e, registry, _ := newTestEngine(nil, func() int64 { return now })
	require.NoError(t, registry.Register("sleeper", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		if err := wfCtx.Sleep(time.Minute); err != nil {
			return nil, err
		}
		return []byte(`"woke"`), nil
	}))

	id, err := e.Dispatch(ctx, "sleeper", nil, nil, "")
	require.NoError(t, err)

	n, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	row := fetchRow(t, e, id)
	require.Nil(t, row.Output)
	require.NotNil(t, row.WakeDeadlineTS)

	n, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "should not be runnable before the deadline")

	now += int64(2 * time.Minute / time.Millisecond)
	n, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row = fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`"woke"`), row.Output)
}

func TestEngine_SignalWakesSuspendedWorkflow(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	e, registry, store := newTestEngine(nil, func() int64 { return now })
	require.NoError(t, registry.Register("waits-for-signal", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, body, err := wfCtx.Listen("go")
		if err != nil {
			return nil, err
		}
		return body, nil
	}))

	id, err := e.Dispatch(ctx, "waits-for-signal", nil, nil, "")
	require.NoError(t, err)

	n, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	row := fetchRow(t, e, id)
	require.Nil(t, row.Output)
	require.True(t, row.WakeSignals["go"])

	n, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "no signal pending yet")

	err = store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		bus.PublishSignal(ctx, tx, id, "go", []byte(`"payload"`), now)
		return nil
	})
	require.NoError(t, err)

	n, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	row = fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`"payload"`), row.Output)
}

func TestEngine_SubWorkflowDispatchAndOutput(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	e, registry, _ := newTestEngine(nil, func() int64 { return now })
	require.NoError(t, registry.Register("child", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		return []byte(`"child-done"`), nil
	}))
	require.NoError(t, registry.Register("parent", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		h, err := wfCtx.Dispatch("child", nil, nil)
		if err != nil {
			return nil, err
		}
		return h.Output()
	}))

	id, err := e.Dispatch(ctx, "parent", nil, nil, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n, err := e.Tick(ctx)
		require.NoError(t, err)
		row := fetchRow(t, e, id)
		if row.Output != nil {
			break
		}
		if n == 0 {
			now += int64(time.Second / time.Millisecond)
		}
	}

	row := fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`"child-done"`), row.Output)
}

func TestEngine_LoopAccumulatesUntilDone(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	e, registry, _ := newTestEngine(nil, func() int64 { return now })
	require.NoError(t, registry.Register("counter", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		result, err := wfCtx.Loop(float64(0), func(iterCtx *Context, state any) (LoopDirective, error) {
			n := state.(float64)
			if n >= 3 {
				return LoopDirective{Continue: false, Result: n}, nil
			}
			return LoopDirective{Continue: true, State: n + 1}, nil
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}))

	id, err := e.Dispatch(ctx, "counter", nil, nil, "")
	require.NoError(t, err)

	_, err = e.Tick(ctx)
	require.NoError(t, err)

	row := fetchRow(t, e, id)
	require.Equal(t, json.RawMessage(`3`), row.Output)
}

func TestEngine_LeaseIsNotReacquiredByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	registry := NewRegistry()
	require.NoError(t, registry.Register("blocks", func(wfCtx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, _, err := wfCtx.Listen("never")
		return nil, err
	}))

	e1 := NewEngine(store, b, registry, nil, "worker-1", WithClock(func() int64 { return now }))
	e2 := NewEngine(store, b, registry, nil, "worker-2", WithClock(func() int64 { return now }))

	id, err := e1.Dispatch(ctx, "blocks", nil, nil, "")
	require.NoError(t, err)

	ids, err := e1.pullWorkflows(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, ids)

	ids2, err := e2.pullWorkflows(ctx)
	require.NoError(t, err)
	require.Empty(t, ids2, "a leased workflow must not be leased by a second worker")
}
