package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func TestContext_ActivityReplayReturnsRecordedOutputWithoutReinvoking(t *testing.T) {
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	calls := 0
	activities := ActivityRegistry{
		"double": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			calls++
			var n int
			_ = json.Unmarshal(input, &n)
			return json.Marshal(n * 2)
		},
	}

	var history *History
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		wfID := uuid.New()
		row := &Row{WorkflowID: wfID, CreateTS: 1000}
		h := &History{byLocation: map[string]*Event{}}
		c := NewRootContext(ctx, tx, row, h, activities, b, 1000)

		out, err := c.Activity("double", 21)
		require.NoError(t, err)
		require.Equal(t, json.RawMessage(`42`), out)

		reloaded, err := LoadHistory(ctx, tx, wfID)
		require.NoError(t, err)
		history = reloaded
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, history.Events(), 1)
	require.Equal(t, EventActivity, history.Events()[0].Kind)
}

func TestContext_ActivityInputDriftIsDetectedOnReplay(t *testing.T) {
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	activities := ActivityRegistry{
		"passthrough": func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}

	wfID := uuid.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		row := &Row{WorkflowID: wfID, CreateTS: 1000}
		h := &History{byLocation: map[string]*Event{}}
		c := NewRootContext(ctx, tx, row, h, activities, b, 1000)
		_, err := c.Activity("passthrough", map[string]int{"n": 1})
		return err
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		history, err := LoadHistory(ctx, tx, wfID)
		require.NoError(t, err)
		row := &Row{WorkflowID: wfID, CreateTS: 1000}
		c := NewRootContext(ctx, tx, row, history, activities, b, 1000)

		_, err = c.Activity("passthrough", map[string]int{"n": 2})
		var drift *errs.InputDrift
		require.ErrorAs(t, err, &drift)
		return nil
	})
	require.NoError(t, err)
}

func TestContext_SendSignalIsIdempotentOnReplay(t *testing.T) {
	store := memdriver.New()
	b := bus.New(store, bus.NewMemBroadcaster(), 60000, nil)
	target := uuid.New()

	wfID := uuid.New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		row := &Row{WorkflowID: wfID, CreateTS: 1000}
		h := &History{byLocation: map[string]*Event{}}
		c := NewRootContext(ctx, tx, row, h, nil, b, 1000)
		return c.SendSignal(target, "ping", "hello")
	})
	require.NoError(t, err)

	var signalCountAfterFirst int
	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		begin, end := kv.SignalSubspace()
		rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end})
		require.NoError(t, err)
		signalCountAfterFirst = len(rows)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, signalCountAfterFirst)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		history, err := LoadHistory(ctx, tx, wfID)
		require.NoError(t, err)
		row := &Row{WorkflowID: wfID, CreateTS: 1000}
		c := NewRootContext(ctx, tx, row, history, nil, b, 1000)
		return c.SendSignal(target, "ping", "hello")
	})
	require.NoError(t, err)

	var signalCountAfterReplay int
	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		begin, end := kv.SignalSubspace()
		rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end})
		require.NoError(t, err)
		signalCountAfterReplay = len(rows)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, signalCountAfterReplay, "replaying a recorded signal_send must not re-publish it")
}
