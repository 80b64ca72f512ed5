package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/telemetry"
)

// Engine drives workflows registered in a Registry against a KV-backed
// History, replacing the teacher's Temporal worker-pool adapter
// (runtime/agent/engine/temporal/engine.go) with one that owns durability
// itself: every lease acquisition, replay, and suspension is a KV
// transaction rather than a call into a managed external service.
type Engine struct {
	store      kv.Store
	bus        *bus.Bus
	registry   *Registry
	activities ActivityRegistry
	workerID   string
	nameFilter map[string]bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   func() int64

	batchSize    int
	pollInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithNameFilter restricts pull_workflows to the given workflow names
// (spec.md §4.C step 1); omit for "any registered workflow."
func WithNameFilter(names ...string) Option {
	return func(e *Engine) {
		f := make(map[string]bool, len(names))
		for _, n := range names {
			f[n] = true
		}
		e.nameFilter = f
	}
}

// WithBatchSize overrides how many runnable workflows pull_workflows leases
// per transaction. Default 16.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithPollInterval overrides the worker loop's idle poll interval. Default
// 200ms.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithClock overrides the engine's time source; tests use this for
// deterministic deadlines.
func WithClock(fn func() int64) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithTelemetry attaches a logger/metrics sink.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// NewEngine constructs a worker-loop engine bound to store, bus, and
// registry. workerID identifies this worker instance for lease ownership.
func NewEngine(store kv.Store, b *bus.Bus, registry *Registry, activities ActivityRegistry, workerID string, opts ...Option) *Engine {
	e := &Engine{
		store: store, bus: b, registry: registry, activities: activities, workerID: workerID,
		logger: telemetry.NewNoopLogger(), metrics: telemetry.NewNoopMetrics(),
		clock:        func() int64 { return time.Now().UnixMilli() },
		batchSize:    16,
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch creates a new top-level workflow (spec.md §3 "dispatch") and
// returns its id. The workflow becomes runnable immediately.
func (e *Engine) Dispatch(ctx context.Context, name string, tags map[string]string, input []byte, rayID string) (uuid.UUID, error) {
	id := uuid.New()
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		row := &Row{
			WorkflowID: id, Name: name, Tags: tags, Input: input,
			CreateTS: e.clock(), RayID: rayID, WakeImmediate: true,
		}
		Put(ctx, tx, row, nil)
		return nil
	})
	return id, err
}

// Run polls pull_workflows/lease/replay/execute/suspend-or-complete until
// ctx is canceled (spec.md §4.C "Worker loop").
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := e.Tick(ctx)
		if err != nil {
			e.logger.Error(ctx, "workflow engine tick failed", "error", err.Error())
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pollInterval):
			}
		}
	}
}

// Tick runs one pull_workflows batch to completion and returns how many
// workflows it drove.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	ids, err := e.pullWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.drive(ctx, id)
	}
	return len(ids), nil
}

// pullWorkflows implements step 1: scan every workflow row, CAS the lease
// on each whose wake predicate currently holds, up to batchSize. This is a
// full-subspace scan rather than a dedicated runnable-index — acceptable at
// the scale this engine targets, documented as a known simplification.
func (e *Engine) pullWorkflows(ctx context.Context) ([]uuid.UUID, error) {
	var leased []uuid.UUID
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		leased = leased[:0]
		begin, end := kv.WorkflowSubspace()
		rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
		if err != nil {
			return err
		}
		now := e.clock()
		for _, row := range rows {
			if len(leased) >= e.batchSize {
				break
			}
			r, err := decodeRow(row.Value)
			if err != nil {
				continue
			}
			if e.nameFilter != nil && !e.nameFilter[r.Name] {
				continue
			}
			if r.Output != nil || r.WorkerID != "" {
				continue
			}

			hasSignal, err := bus.HasMatchingSignal(ctx, tx, r.WorkflowID, r.Tags, r.WakeSignals)
			if err != nil {
				return err
			}
			subDone := false
			if r.WakeSubWorkflowID != nil {
				child, err := Get(ctx, tx, *r.WakeSubWorkflowID)
				if err == nil && (child.Output != nil || child.Error != "") {
					subDone = true
				}
			}
			if !r.Runnable(now, hasSignal, subDone) {
				continue
			}

			r.WorkerID = e.workerID
			AcquireLease(ctx, tx, r.WorkflowID, e.workerID)
			Put(ctx, tx, r, r.Tags)
			leased = append(leased, r.WorkflowID)
		}
		return nil
	})
	return leased, err
}

// drive replays history then executes forward for one leased workflow,
// committing its suspension or completion (spec.md §4.C steps 2-4). Any
// ephemeral pub/sub fanout queued by the pass's MessagePublish calls runs
// only after the transaction has committed, per spec.md §4.B's
// durable-then-ephemeral contract.
func (e *Engine) drive(ctx context.Context, id uuid.UUID) {
	var postCommits []func(context.Context)

	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		postCommits = nil

		row, err := Get(ctx, tx, id)
		if err != nil {
			return err
		}
		prevTags := row.Tags

		fn, ok := e.registry.Lookup(row.Name)
		if !ok {
			row.Error = "unregistered workflow: " + row.Name
			row.WorkerID = ""
			ReleaseLease(ctx, tx, id)
			Put(ctx, tx, row, prevTags)
			return nil
		}

		history, err := LoadHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.clock()
		wfCtx := NewRootContext(ctx, tx, row, history, e.activities, e.bus, now)

		output, runErr := fn(wfCtx, row.Input)
		postCommits = wfCtx.PostCommits()

		if suspend, ok := IsSuspend(runErr); ok {
			row.WorkerID = ""
			row.WakeImmediate = suspend.Wake.Immediate
			row.WakeDeadlineTS = suspend.Wake.DeadlineTS
			row.WakeSignals = suspend.Wake.Signals
			row.WakeSubWorkflowID = suspend.Wake.SubWorkflowID
			ReleaseLease(ctx, tx, id)
			Put(ctx, tx, row, prevTags)
			return nil
		}
		if runErr != nil {
			row.Error = runErr.Error()
			row.WorkerID = ""
			row.WakeImmediate = false
			row.WakeDeadlineTS = nil
			row.WakeSignals = nil
			row.WakeSubWorkflowID = nil
			ReleaseLease(ctx, tx, id)
			Put(ctx, tx, row, prevTags)
			return nil
		}

		row.Output = output
		row.WorkerID = ""
		row.WakeImmediate = false
		row.WakeDeadlineTS = nil
		row.WakeSignals = nil
		row.WakeSubWorkflowID = nil
		ReleaseLease(ctx, tx, id)
		Put(ctx, tx, row, prevTags)
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error(ctx, "workflow drive failed", "workflow_id", id.String(), "error", err.Error())
		}
		return
	}
	for _, pc := range postCommits {
		pc(ctx)
	}
}

func decodeRow(value []byte) (*Row, error) {
	var r Row
	if err := json.Unmarshal(value, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
