package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// ActivityFunc is a registered activity handler. Activities must be
// idempotent: the engine may re-invoke one after a worker crash before its
// outcome was durably recorded (spec.md §4.C).
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// ActivityRegistry maps activity name to handler, mirroring Registry's
// workflow_name → func dispatch table (registry.go) for the activity half
// of the engine contract.
type ActivityRegistry map[string]ActivityFunc

// ErrSuspend is returned by a context operation (and must be propagated
// unchanged by workflow code, the same way a deadline or cancellation error
// is expected to propagate in idiomatic Go) when the workflow cannot make
// further progress this pass. The engine driver recognizes it, applies Wake
// to the workflow row, and releases the lease — this is not a failure.
type ErrSuspend struct {
	Wake WakeCondition
}

func (e *ErrSuspend) Error() string { return "workflow suspended pending wake condition" }

// WakeCondition describes why/when a suspended workflow becomes runnable
// again (spec.md §3's wake predicate fields).
type WakeCondition struct {
	Immediate     bool
	DeadlineTS    *int64
	Signals       map[string]bool
	SubWorkflowID *uuid.UUID
}

// IsSuspend reports whether err is (or wraps) an ErrSuspend.
func IsSuspend(err error) (*ErrSuspend, bool) {
	var s *ErrSuspend
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

const (
	maxActivityAttempts = 8
	activityBaseBackoff = 500 * time.Millisecond
	activityMaxBackoff  = 5 * time.Minute
	maxLoopIterAttempts = 8
)

// Context is the per-pass replay/execute context a workflow body operates
// against. A fresh Context is built for every driver pass (see engine.go);
// its job is to make each non-deterministic step either return instantly
// from recorded History or perform the step now and record it, suspending
// the entire pass via ErrSuspend when the next step must wait.
type Context struct {
	base       context.Context
	tx         kv.Transaction
	workflowID uuid.UUID
	tags       map[string]string
	rayID      string
	now        int64

	history    *History
	activities ActivityRegistry
	bus        *bus.Bus

	seq         *sequence
	postCommits *[]func(context.Context)
}

// NewRootContext constructs the Context for a workflow's top-level body.
func NewRootContext(base context.Context, tx kv.Transaction, row *Row, history *History, activities ActivityRegistry, b *bus.Bus, now int64) *Context {
	return &Context{
		base:        base,
		tx:          tx,
		workflowID:  row.WorkflowID,
		tags:        row.Tags,
		rayID:       row.RayID,
		now:         now,
		history:     history,
		activities:  activities,
		bus:         b,
		seq:         newSequence(Root()),
		postCommits: new([]func(context.Context)),
	}
}

// PostCommits returns the ephemeral-fanout closures accumulated by
// MessagePublish calls in this pass; the engine invokes them after the
// transaction commits successfully.
func (c *Context) PostCommits() []func(context.Context) { return *c.postCommits }

// child returns a Context sharing this one's transaction/history but scoped
// to loc, used by Loop/Join/Select to give nested operations their own
// location subtree.
func (c *Context) child(loc Location) *Context {
	return &Context{
		base: c.base, tx: c.tx, workflowID: c.workflowID, tags: c.tags, rayID: c.rayID, now: c.now,
		history: c.history, activities: c.activities, bus: c.bus,
		seq: newSequence(loc), postCommits: c.postCommits,
	}
}

func hashInput(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Activity executes a registered idempotent activity, recording its outcome
// at this step's location. On replay it returns the recorded output (or
// error) without re-invoking the handler. A still-retrying activity
// suspends the whole pass with a backoff deadline instead of blocking the
// calling goroutine.
func (c *Context) Activity(name string, input any) (json.RawMessage, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok {
		wantHash := hashInput(input)
		if ev.InputHash != "" && ev.InputHash != wantHash {
			return nil, &errs.InputDrift{Location: loc.String(), ActivityName: name}
		}
		if ev.Err != "" {
			return nil, &errs.ActivityError{ActivityName: name, Err: errors.New(ev.Err)}
		}
		return ev.Output, nil
	}

	fn, ok := c.activities[name]
	if !ok {
		return nil, &errs.Unrecoverable{Code: "UNKNOWN_ACTIVITY", Message: "activity not registered: " + name}
	}
	inputBytes, _ := json.Marshal(input)
	out, err := fn(c.base, inputBytes)
	if err == nil {
		ClearErrorCount(c.base, c.tx, c.workflowID, loc)
		Record(c.base, c.tx, c.workflowID, &Event{
			Location: loc, Kind: EventActivity, Name: name,
			InputHash: hashInput(input), Output: out, CreateTS: c.now, CompleteTS: c.now,
		})
		return out, nil
	}

	attempt, cntErr := ErrorCount(c.base, c.tx, c.workflowID, loc)
	if cntErr != nil {
		return nil, cntErr
	}
	attempt++
	IncrementErrorCount(c.base, c.tx, c.workflowID, loc, attempt)

	if attempt < maxActivityAttempts {
		delay := backoffFor(attempt, activityBaseBackoff, activityMaxBackoff)
		deadline := c.now + delay.Milliseconds()
		return nil, &ErrSuspend{Wake: WakeCondition{DeadlineTS: &deadline}}
	}

	Record(c.base, c.tx, c.workflowID, &Event{
		Location: loc, Kind: EventActivity, Name: name,
		InputHash: hashInput(input), Err: err.Error(), CreateTS: c.now, CompleteTS: c.now,
	})
	return nil, &errs.ActivityError{ActivityName: name, Attempt: attempt, Err: err}
}

// Step executes fn exactly once per location, inside this pass's own KV
// transaction, recording its JSON-encoded output so replay short-circuits
// without re-running fn. Unlike Activity (whose handler runs against an
// external registry, outside this transaction), Step gives fn direct access
// to the workflow's transaction so it can atomically mutate shared KV state
// — e.g. the scheduler's allocation indexes — alongside the workflow's own
// row update in one commit. Engine-level primitives that need this are built
// on Step rather than reimplementing the replay-skip bookkeeping.
func (c *Context) Step(name string, fn func(ctx context.Context, tx kv.Transaction) (json.RawMessage, error)) (json.RawMessage, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok {
		if ev.Err != "" {
			return nil, &errs.Unrecoverable{Code: "STEP_FAILED", Message: ev.Err}
		}
		return ev.Output, nil
	}

	out, err := fn(c.base, c.tx)
	if err != nil {
		Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventActivity, Name: name, Err: err.Error(), CreateTS: c.now, CompleteTS: c.now})
		return nil, err
	}
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventActivity, Name: name, Output: out, CreateTS: c.now, CompleteTS: c.now})
	return out, nil
}

// Tx exposes the pass's KV transaction for Step's fn callback and for
// engine-level primitives (the scheduler, actor/runner workflows) that must
// read or write KV rows atomically with this workflow's own state. Ordinary
// workflow bodies should prefer Activity/Step's replay-safe wrappers instead
// of calling this directly.
func (c *Context) Tx() kv.Transaction { return c.tx }

func backoffFor(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Sleep suspends the workflow until d has elapsed.
func (c *Context) Sleep(d time.Duration) error {
	return c.SleepUntil(c.now + d.Milliseconds())
}

// SleepUntil suspends the workflow until deadlineTS (epoch milliseconds).
func (c *Context) SleepUntil(deadlineTS int64) error {
	loc := c.seq.alloc()
	if _, ok := c.history.Get(loc); ok {
		return nil
	}
	if c.now < deadlineTS {
		d := deadlineTS
		return &ErrSuspend{Wake: WakeCondition{DeadlineTS: &d}}
	}
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSleep, CreateTS: c.now, CompleteTS: c.now})
	return nil
}

type signalOutcome struct {
	TimedOut bool            `json:"timed_out,omitempty"`
	Name     string          `json:"name,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Listen blocks until one of the signals in names arrives, returning its
// name and body.
func (c *Context) Listen(names ...string) (string, json.RawMessage, error) {
	return c.listen(names, nil)
}

// ListenWithTimeout blocks until a matching signal arrives or timeout
// elapses; TimedOut is true in the latter case.
func (c *Context) ListenWithTimeout(timeout time.Duration, names ...string) (string, json.RawMessage, bool, error) {
	deadline := c.now + timeout.Milliseconds()
	name, body, err := c.listen(names, &deadline)
	if err != nil {
		return "", nil, false, err
	}
	if name == "" && body == nil {
		return "", nil, true, nil
	}
	return name, body, false, nil
}

// JoinSignal blocks on whichever signal among the tagged union of names
// arrives first (spec.md §4.C "join_signal").
func (c *Context) JoinSignal(names ...string) (string, json.RawMessage, error) {
	return c.listen(names, nil)
}

func (c *Context) listen(names []string, deadlineTS *int64) (string, json.RawMessage, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok {
		var out signalOutcome
		_ = json.Unmarshal(ev.Output, &out)
		if out.TimedOut {
			return "", nil, nil
		}
		return out.Name, out.Body, nil
	}

	namesFilter := map[string]bool{}
	for _, n := range names {
		namesFilter[n] = true
	}

	sig, ok, err := bus.PullNextSignal(c.base, c.tx, c.workflowID, c.tags, namesFilter)
	if err != nil {
		return "", nil, err
	}
	if ok {
		out := signalOutcome{Name: sig.SignalName, Body: sig.Body}
		outBytes, _ := json.Marshal(out)
		Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSignalReceive, Name: sig.SignalName, Output: outBytes, CreateTS: c.now, CompleteTS: c.now})
		return sig.SignalName, sig.Body, nil
	}

	if deadlineTS != nil && c.now >= *deadlineTS {
		out := signalOutcome{TimedOut: true}
		outBytes, _ := json.Marshal(out)
		Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSignalReceive, Output: outBytes, CreateTS: c.now, CompleteTS: c.now})
		return "", nil, nil
	}

	return "", nil, &ErrSuspend{Wake: WakeCondition{Signals: namesFilter, DeadlineTS: deadlineTS}}
}

// SendSignal publishes a signal to target as part of this workflow's step
// sequence, recording a signal_send event.
func (c *Context) SendSignal(target uuid.UUID, name string, body any) error {
	loc := c.seq.alloc()
	if _, ok := c.history.Get(loc); ok {
		return nil
	}
	bodyBytes, _ := json.Marshal(body)
	id := bus.PublishSignal(c.base, c.tx, target, name, bodyBytes, c.now)
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSignalSend, Name: name, Input: bodyBytes, CreateTS: c.now, CompleteTS: c.now, InputHash: id.String()})
	return nil
}

// MessagePublish publishes to the message bus (spec.md §4.B), recording a
// message_send event. The durable write happens in this transaction; the
// ephemeral fanout runs after commit via PostCommits.
func (c *Context) MessagePublish(topic string, tags map[string]string, body any) error {
	loc := c.seq.alloc()
	if _, ok := c.history.Get(loc); ok {
		return nil
	}
	bodyBytes, _ := json.Marshal(body)
	postCommit := c.bus.MessagePublish(c.base, c.tx, topic, tags, bodyBytes, c.now, []bus.TraceEntry{{RayID: c.rayID}})
	*c.postCommits = append(*c.postCommits, postCommit)
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventMessageSend, Name: topic, Input: bodyBytes, CreateTS: c.now, CompleteTS: c.now})
	return nil
}

// SubWorkflowHandle lets the parent wait for a dispatched child's output.
type SubWorkflowHandle struct {
	ctx      *Context
	outputLoc Location
	childID  uuid.UUID
}

// Dispatch inserts a new child workflow row and a sub_workflow history
// event in this transaction (spec.md §4.C "dispatch").
func (c *Context) Dispatch(name string, tags map[string]string, input any) (*SubWorkflowHandle, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok {
		var childID uuid.UUID
		_ = json.Unmarshal(ev.Output, &childID)
		return &SubWorkflowHandle{ctx: c, outputLoc: loc.Child(0), childID: childID}, nil
	}

	childID := uuid.New()
	inputBytes, _ := json.Marshal(input)
	row := &Row{
		WorkflowID: childID, Name: name, Tags: tags, Input: inputBytes,
		CreateTS: c.now, RayID: c.rayID, WakeImmediate: true,
	}
	Put(c.base, c.tx, row, nil)

	childIDBytes, _ := json.Marshal(childID)
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSubWorkflow, Name: name, Output: childIDBytes, CreateTS: c.now, CompleteTS: c.now})
	return &SubWorkflowHandle{ctx: c, outputLoc: loc.Child(0), childID: childID}, nil
}

// ChildWorkflowID returns the dispatched child's workflow id.
func (h *SubWorkflowHandle) ChildWorkflowID() uuid.UUID { return h.childID }

// Output blocks until the child workflow completes, returning its output.
func (h *SubWorkflowHandle) Output() (json.RawMessage, error) {
	c := h.ctx
	if ev, ok := c.history.Get(h.outputLoc); ok {
		return ev.Output, nil
	}

	childRow, err := Get(c.base, c.tx, h.childID)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, &errs.ProtocolMismatch{Expected: "dispatched child workflow", Got: "missing row"}
		}
		return nil, err
	}
	if childRow.Output != nil {
		Record(c.base, c.tx, c.workflowID, &Event{Location: h.outputLoc, Kind: EventSubWorkflow, Output: childRow.Output, CreateTS: c.now, CompleteTS: c.now})
		return childRow.Output, nil
	}
	if childRow.Error != "" {
		Record(c.base, c.tx, c.workflowID, &Event{Location: h.outputLoc, Kind: EventSubWorkflow, Err: childRow.Error, CreateTS: c.now, CompleteTS: c.now})
		return nil, &errs.Unrecoverable{Code: "SUB_WORKFLOW_FAILED", Message: childRow.Error}
	}
	childID := h.childID
	return nil, &ErrSuspend{Wake: WakeCondition{SubWorkflowID: &childID}}
}

// LoopDirective is returned by a LoopBody: Continue=true carries the state
// for the next iteration, Continue=false carries the loop's final Result.
type LoopDirective struct {
	Continue bool
	State    any
	Result   any
}

// LoopBody is one loop iteration. iterCtx scopes any nested operations
// (activities, signals) to this iteration's own location subtree.
type LoopBody func(iterCtx *Context, state any) (LoopDirective, error)

// Loop runs body repeatedly and records only the loop's final Result, as an
// EventLoop event at the loop's own location. Iteration states and outputs
// are not recorded: a pass that re-enters an unfinished loop runs body again
// from initial, and each iteration's nested operations replay from their own
// recorded events. An iteration that fails (not suspends) is retried with
// backoff up to maxLoopIterAttempts; exceeding that budget surfaces the
// error to the caller.
func (c *Context) Loop(initial any, body LoopBody) (any, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok && ev.Output != nil {
		var out any
		_ = json.Unmarshal(ev.Output, &out)
		return out, nil
	}

	state := initial
	for i := uint32(0); ; i++ {
		iterLoc := loc.Child(i)
		iterCtx := c.child(iterLoc)

		directive, err := body(iterCtx, state)
		if err != nil {
			if _, suspended := IsSuspend(err); suspended {
				return nil, err
			}

			attempt, cntErr := ErrorCount(c.base, c.tx, c.workflowID, iterLoc)
			if cntErr != nil {
				return nil, cntErr
			}
			attempt++
			IncrementErrorCount(c.base, c.tx, c.workflowID, iterLoc, attempt)
			if attempt >= maxLoopIterAttempts {
				return nil, err
			}
			delay := backoffFor(attempt, activityBaseBackoff, activityMaxBackoff)
			deadline := c.now + delay.Milliseconds()
			return nil, &ErrSuspend{Wake: WakeCondition{DeadlineTS: &deadline}}
		}

		if !directive.Continue {
			outBytes, _ := json.Marshal(directive.Result)
			Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventLoop, Output: outBytes, CreateTS: c.now, CompleteTS: c.now})
			return directive.Result, nil
		}
		state = directive.State
	}
}

// Join runs each thunk in sequence, collecting all results; a thunk that
// suspends stops the join and the whole pass (later thunks simply haven't
// started yet and will begin on the next pass once earlier ones resolve).
// This is a simplification of true concurrent join: correctness of the
// final joined result is unaffected since each thunk's own operations are
// independently replay-safe, only wall-clock parallelism is given up.
func (c *Context) Join(thunks ...func(*Context) (json.RawMessage, error)) ([]json.RawMessage, error) {
	loc := c.seq.alloc()
	out := make([]json.RawMessage, len(thunks))
	for i, th := range thunks {
		childLoc := loc.Child(uint32(i))
		res, err := th(c.child(childLoc))
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventJoin, CreateTS: c.now, CompleteTS: c.now})
	return out, nil
}

// Select runs each thunk in declaration order and returns the first whose
// branch has already resolved from history, or the first to resolve now if
// none has. This approximates true non-deterministic select with a
// deterministic priority order, which keeps replay correct at the cost of
// always preferring earlier-declared branches when more than one is ready.
func (c *Context) Select(thunks ...func(*Context) (int, json.RawMessage, error)) (int, json.RawMessage, error) {
	loc := c.seq.alloc()
	if ev, ok := c.history.Get(loc); ok {
		var out struct {
			Branch int             `json:"branch"`
			Value  json.RawMessage `json:"value"`
		}
		_ = json.Unmarshal(ev.Output, &out)
		return out.Branch, out.Value, nil
	}
	for i, th := range thunks {
		childLoc := loc.Child(uint32(i))
		branch, val, err := th(c.child(childLoc))
		if err != nil {
			if _, suspended := IsSuspend(err); suspended {
				continue
			}
			return 0, nil, err
		}
		outBytes, _ := json.Marshal(struct {
			Branch int             `json:"branch"`
			Value  json.RawMessage `json:"value"`
		}{Branch: branch, Value: val})
		Record(c.base, c.tx, c.workflowID, &Event{Location: loc, Kind: EventSelect, Output: outBytes, CreateTS: c.now, CompleteTS: c.now})
		return branch, val, nil
	}
	return 0, nil, &ErrSuspend{Wake: WakeCondition{}}
}

// WorkflowID returns the id of the workflow this context drives.
func (c *Context) WorkflowID() uuid.UUID { return c.workflowID }

// Tags returns the workflow's current tag set, as captured at pass start.
func (c *Context) Tags() map[string]string { return c.tags }

// Now returns the deterministic pass timestamp (epoch milliseconds).
func (c *Context) Now() int64 { return c.now }
