package api

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// Service implements spec.md §6's "Workflow dispatch API": thin synchronous
// validation in front of component C's Engine, mirroring the teacher's
// registry/service.go split between request validation and the underlying
// durable store call.
type Service struct {
	engine   *workflow.Engine
	registry *workflow.Registry
	store    kv.Store
	schemas  *SchemaRegistry
	clock    func() int64
}

// NewService constructs a Service. schemas may be nil to skip input-shape
// validation entirely.
func NewService(engine *workflow.Engine, registry *workflow.Registry, store kv.Store, schemas *SchemaRegistry, clock func() int64) *Service {
	return &Service{engine: engine, registry: registry, store: store, schemas: schemas, clock: clock}
}

// Dispatch validates and dispatches a new workflow (spec.md §6
// "dispatch(workflow_name, tags, input) → workflow_id").
func (s *Service) Dispatch(ctx context.Context, name string, tags map[string]string, input json.RawMessage, rayID string) (DispatchResult, error) {
	if _, ok := s.registry.Lookup(name); !ok {
		return DispatchResult{}, errs.NewValidation(errs.CodeUnknownWorkflow, name)
	}
	if err := validateTags(tags); err != nil {
		return DispatchResult{}, err
	}
	if len(input) > 0 {
		var doc any
		if err := json.Unmarshal(input, &doc); err == nil {
			if err := s.schemas.Validate(name, doc); err != nil {
				return DispatchResult{}, err
			}
		}
	}
	id, err := s.engine.Dispatch(ctx, name, tags, input, rayID)
	if err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{WorkflowID: id}, nil
}

// Get implements spec.md §6 "get(workflow_id) → {state, output?}".
func (s *Service) Get(ctx context.Context, workflowID uuid.UUID) (WorkflowState, error) {
	var out WorkflowState
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		row, err := workflow.Get(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		out = WorkflowState{State: classifyState(row), Output: row.Output, Error: row.Error}
		return nil
	})
	return out, err
}

// Signal implements spec.md §6 "signal(workflow_id | tags, signal_name, body)".
// Exactly one of workflowID or tags should be set; workflowID takes
// precedence if both are.
func (s *Service) Signal(ctx context.Context, workflowID *uuid.UUID, tags map[string]string, signalName string, body json.RawMessage) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		now := s.clock()
		if workflowID != nil {
			bus.PublishSignal(ctx, tx, *workflowID, signalName, body, now)
			return nil
		}
		bus.PublishTaggedSignal(ctx, tx, tags, signalName, body, now)
		return nil
	})
}

// classifyState derives the spec.md §6 state_filter category from a Row's
// wake-predicate fields (spec.md §3's Workflow invariant plus the
// Running/Complete/Sleeping/Dead transitions in §4.C step 4).
func classifyState(row *workflow.Row) string {
	if row.Output != nil {
		return StateComplete
	}
	if row.WorkerID != "" {
		return StateRunning
	}
	hasWake := row.WakeImmediate || row.WakeDeadlineTS != nil || len(row.WakeSignals) > 0 || row.WakeSubWorkflowID != nil
	if hasWake {
		return StateSleeping
	}
	return StateDead
}

// Find implements spec.md §6 "find(tags, name?, state_filter) → list" with
// pagination. At least one tag is required to use the secondary index scan
// (kv.WorkflowTagIndexKey); an empty query would otherwise force a full
// primary-table scan, which this implementation does not support.
func (s *Service) Find(ctx context.Context, q FindQuery) (FindPage, error) {
	if len(q.Tags) == 0 {
		return FindPage{}, errs.NewValidation("MISSING_TAGS", "find requires at least one tag")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// Pick the index scan's driving tag arbitrarily (the first one in
	// range order), then filter candidates against the rest of the
	// selector and name/state_filter in memory — matching the teacher's
	// general preference for a simple driving-index-plus-filter shape
	// over building cross-tag intersection machinery this spec's scale
	// does not call for.
	var drivingKey, drivingVal string
	for k, v := range q.Tags {
		drivingKey, drivingVal = k, v
		break
	}

	var page FindPage
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		begin, end := kv.WorkflowTagIndexSubspace(drivingKey, drivingVal)
		if q.Cursor != "" {
			cursorKey, decodeErr := decodeCursor(q.Cursor)
			if decodeErr != nil {
				return errs.NewValidation("BAD_CURSOR", decodeErr.Error())
			}
			begin = cursorKey
		}
		rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end})
		if err != nil {
			return err
		}
		for _, kvPair := range rows {
			if len(page.Results) >= limit {
				// kvPair.Key is the row that didn't fit on this page; resume
				// exactly there next time (Begin is inclusive) rather than at
				// its successor, or this row would be skipped entirely.
				page.Cursor = base64.RawURLEncoding.EncodeToString(kvPair.Key)
				return nil
			}
			if len(kvPair.Key) < 16 {
				continue
			}
			id, err := uuid.FromBytes(kvPair.Key[len(kvPair.Key)-16:])
			if err != nil {
				continue
			}
			row, err := workflow.Get(ctx, tx, id)
			if err != nil {
				continue
			}
			if q.Name != "" && row.Name != q.Name {
				continue
			}
			if !tagsMatch(q.Tags, row.Tags) {
				continue
			}
			state := classifyState(row)
			if q.StateFilter != "" && state != q.StateFilter {
				continue
			}
			page.Results = append(page.Results, FindResult{WorkflowID: id, Name: row.Name, State: state})
		}
		return nil
	})
	return page, err
}

func tagsMatch(selector, tags map[string]string) bool {
	for k, v := range selector {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func decodeCursor(cursor string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(cursor)
}
