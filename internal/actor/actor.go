// Package actor implements the actor and runner lifecycle state machines
// (spec.md §4.E, component E): the canonical user of the workflow engine
// (component C) and the allocator (component D). An actor workflow drives
// one actor from dispatch through allocation, its running event loop,
// draining, and destruction; a runner workflow mirrors it, holding a
// runner's slot accounting and servicing pending-queue releases.
package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// Signal names exchanged between actor workflows, runner workflows, and the
// runner protocol layer (spec.md §4.E step 1, 3).
const (
	SignalAllocate    = "Allocate"
	SignalDestroy     = "Destroy"
	SignalStateUpdate = "StateUpdate"
	SignalDrain       = "Drain"
	SignalUndrain     = "Undrain"
	SignalUpgrade     = "Upgrade"
	SignalSleep       = "Sleep"
	SignalWake        = "Wake"
	SignalStartActor  = "StartActor"
	SignalStopActor   = "StopActor"
	SignalRunnerExit  = "Exit"
	SignalPing        = "Ping"
)

// Status values carried in a StateUpdate signal body (spec.md §4.E step 4).
const (
	StatusRunning  = "running"
	StatusSleeping = "sleeping"
	StatusStopped  = "stopped"
	StatusExited   = "exited"
	StatusLost     = "lost"
)

// Workflow name this package registers its two state machines under.
const (
	WorkflowNameActor  = "actor"
	WorkflowNameRunner = "runner"
)

// Input dispatches a new actor (spec.md §3 "Actor"). PoolPolicy configures
// the allocator's placement behavior for this actor's runner selector. The
// actor's identity is its workflow id (ctx.WorkflowID()) — the engine
// assigns this at dispatch time, so it is not duplicated as an input field;
// whatever creates the actor learns it from the dispatch call's return value.
type Input struct {
	Namespace      string              `json:"namespace"`
	RunnerSelector string              `json:"runner_selector"`
	Policy         scheduler.PoolPolicy `json:"policy"`
	DrainTimeoutMS int64               `json:"drain_timeout_ms"`
	KillTimeoutMS  int64               `json:"kill_timeout_ms"`
	// SingleActorPool marks a pool whose runners host exactly one actor
	// each (e.g. a VM-per-actor isolate pool), so a runner left fully empty
	// after deallocation must not be rewritten back into the index — the
	// runner workflow exits instead (spec.md §4.E step 7).
	SingleActorPool bool `json:"single_actor_pool"`
	// Config is the opaque build/env/network_ports payload validated and
	// assembled by internal/api at create time; this workflow never
	// inspects its contents, only forwards it verbatim to the runner
	// protocol's StartActor command (spec.md §6 "Port layout and routing").
	Config json.RawMessage `json:"config,omitempty"`
}

// RescheduleState tracks the reschedule loop's exponential backoff progress
// (spec.md §4.E step 5).
type RescheduleState struct {
	LastRetryTS int64 `json:"last_retry_ts"`
	RetryCount  int   `json:"retry_count"`
}

// LifecycleState is the actor workflow's persisted state (spec.md §4.E).
type LifecycleState struct {
	Generation       uint32           `json:"generation"`
	RunnerID         *uuid.UUID       `json:"runner_id,omitempty"`
	RunnerWorkflowID *uuid.UUID       `json:"runner_workflow_id,omitempty"`
	Sleeping         bool             `json:"sleeping"`
	StartTS          *int64           `json:"start_ts,omitempty"`
	ConnectableTS    *int64           `json:"connectable_ts,omitempty"`
	SleepTS          *int64           `json:"sleep_ts,omitempty"`
	// AlarmTS is a user-scheduled wake deadline (spec.md §4.E step 3's
	// "alarm timer" wait branch); this package only wakes the event loop at
	// AlarmTS and clears it; dispatching the wake to the running actor
	// process is the runner protocol's concern.
	AlarmTS          *int64           `json:"alarm_ts,omitempty"`
	Reschedule       RescheduleState  `json:"reschedule_state"`
	Destroyed        bool             `json:"destroyed"`
	// DestroyOverrideKillTimeoutMS carries destroy()'s per-call
	// override_kill_timeout_ms, if the triggering Destroy signal set one
	// (internal/api's Actor API "destroy" operation); nil means use
	// Input.KillTimeoutMS.
	DestroyOverrideKillTimeoutMS *int64 `json:"destroy_override_kill_timeout_ms,omitempty"`
	// PendingUpgradeImageID is the new_image_id from the most recent Upgrade
	// signal (internal/api's Actor API "upgrade" operation, spec.md §6). This
	// package has no build config of its own to re-dispatch the actor with a
	// new image — that lives in the opaque Config this actor was created
	// with — so it records the request here rather than acting on it; a
	// supervisor watching actor state for a non-nil PendingUpgradeImageID is
	// what actually drives the roll, by destroying and recreating the actor
	// against the new build.
	PendingUpgradeImageID *string `json:"pending_upgrade_image_id,omitempty"`
}

type destroyBody struct {
	OverrideKillTimeoutMS *int64 `json:"override_kill_timeout_ms,omitempty"`
}

// applyDestroyBody records a Destroy signal's override_kill_timeout_ms, if
// any, onto state so destroy() honors it regardless of which step received
// the signal.
func applyDestroyBody(state *LifecycleState, body json.RawMessage) {
	var d destroyBody
	if err := json.Unmarshal(body, &d); err == nil && d.OverrideKillTimeoutMS != nil {
		state.DestroyOverrideKillTimeoutMS = d.OverrideKillTimeoutMS
	}
}

// Output is the actor workflow's terminal result.
type Output struct {
	Destroyed  bool   `json:"destroyed"`
	Generation uint32 `json:"generation"`
}

// allocateSignalBody is the payload of an Allocate signal sent by
// AllocatePendingActors's caller once capacity frees up for a queued actor.
type allocateSignalBody struct {
	RunnerID         uuid.UUID `json:"runner_id"`
	RunnerWorkflowID uuid.UUID `json:"runner_workflow_id"`
}

type upgradeBody struct {
	NewImageID string `json:"new_image_id"`
}

type stateUpdateBody struct {
	Status       string        `json:"status"`
	ProxiedPorts []ProxiedPort `json:"proxied_ports,omitempty"`
}

// ProxiedPort is one port the runner has bound on behalf of a running actor
// (spec.md §4.E step 4 "insert proxied ports into KV indexes for routing").
type ProxiedPort struct {
	Name string `json:"name"`
	Port uint64 `json:"port"`
}

// Register adds the actor and runner workflows to reg, mirroring how
// component C's Registry gives every other workflow a static home.
func Register(reg *workflow.Registry) error {
	if err := reg.Register(WorkflowNameActor, Workflow); err != nil {
		return err
	}
	return reg.Register(WorkflowNameRunner, RunnerWorkflow)
}

// Workflow is the actor lifecycle state machine (spec.md §4.E main loop).
func Workflow(ctx *workflow.Context, rawInput json.RawMessage) (json.RawMessage, error) {
	var in Input
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, errs.NewUnrecoverable("BAD_INPUT", err.Error())
	}
	state := &LifecycleState{}

	sig, err := acquireAllocation(ctx, in, state)
	if err != nil {
		return nil, err
	}
	if sig == SignalDestroy {
		return destroy(ctx, in, state)
	}

	if err := startAndWaitReady(ctx, in, state); err != nil {
		if err == errDestroyDuringStart {
			return destroy(ctx, in, state)
		}
		if err != errGCExpired {
			return nil, err
		}
		state.Generation++
		if rerr := reschedule(ctx, in, state); rerr != nil {
			if rerr == errDestroyWhileRescheduling {
				return destroy(ctx, in, state)
			}
			return nil, rerr
		}
		// reschedule only returns nil once acquireAllocation and
		// startAndWaitReady have both succeeded again, so the actor is
		// allocated and running at this point — fall through into the
		// steady-state loop below instead of re-allocating.
	}

	for {
		terminal, err := eventLoop(ctx, in, state)
		if err != nil {
			return nil, err
		}
		if terminal {
			return destroy(ctx, in, state)
		}
		// eventLoop returned because the actor was Lost/crashed and needs
		// rescheduling; state.Generation was already incremented.
		if rerr := reschedule(ctx, in, state); rerr != nil {
			if rerr == errDestroyWhileRescheduling {
				return destroy(ctx, in, state)
			}
			return nil, rerr
		}
	}
}

// acquireAllocation implements spec.md §4.E step 1. It returns SignalDestroy
// if the actor was destroyed while queued, "" on a successful allocation.
func acquireAllocation(ctx *workflow.Context, in Input, state *LifecycleState) (string, error) {
	res, err := stepAllocate(ctx, in, state.Generation)
	if err != nil {
		return "", err
	}
	if !res.Pending {
		state.RunnerID = &res.RunnerID
		state.RunnerWorkflowID = &res.RunnerWorkflowID
		return "", nil
	}

	name, body, err := ctx.Listen(SignalAllocate, SignalDestroy)
	if err != nil {
		return "", err
	}
	switch name {
	case SignalAllocate:
		var alloc allocateSignalBody
		_ = json.Unmarshal(body, &alloc)
		state.RunnerID = &alloc.RunnerID
		state.RunnerWorkflowID = &alloc.RunnerWorkflowID
		return "", nil
	case SignalDestroy:
		applyDestroyBody(state, body)
		stillQueued, derr := stepTryDequeue(ctx, in, res.PendingTS)
		if derr != nil {
			return "", derr
		}
		if !stillQueued {
			// A concurrent AllocatePendingActors already won the race and
			// dequeued this actor; drain the Allocate signal it produced so
			// the workflow doesn't leave it stranded in the bus.
			_, _, _ = ctx.Listen(SignalAllocate)
		}
		return SignalDestroy, nil
	}
	return "", &errs.ProtocolMismatch{Expected: "Allocate or Destroy", Got: name}
}

var errGCExpired = &errs.Unrecoverable{Code: "GC_TIMEOUT", Message: "actor did not become ready before its GC deadline"}

// startAndWaitReady implements spec.md §4.E step 2: send StartActor, set a
// GC deadline, and wait for the runner's Running StateUpdate.
func startAndWaitReady(ctx *workflow.Context, in Input, state *LifecycleState) error {
	if err := ctx.SendSignal(*state.RunnerWorkflowID, SignalStartActor, startActorBody{
		ActorID: ctx.WorkflowID(), Generation: state.Generation, Config: in.Config,
	}); err != nil {
		return err
	}

	name, body, timedOut, err := ctx.ListenWithTimeout(gcTimeoutDuration, SignalStateUpdate, SignalDestroy)
	if err != nil {
		return err
	}
	if timedOut {
		return errGCExpired
	}
	if name == SignalDestroy {
		applyDestroyBody(state, body)
		return errDestroyDuringStart
	}
	var upd stateUpdateBody
	_ = json.Unmarshal(body, &upd)
	if upd.Status != StatusRunning {
		return errGCExpired
	}
	return applyRunning(ctx, in, state, upd)
}

var errDestroyDuringStart = &errs.Unrecoverable{Code: "DESTROYED_DURING_START", Message: "destroy requested before the actor became ready"}

type startActorBody struct {
	ActorID    uuid.UUID       `json:"actor_id"`
	Generation uint32          `json:"generation"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// applyRunning implements spec.md §4.E step 4's Running branch: record
// start/connectable timestamps and insert proxied ports for routing.
func applyRunning(ctx *workflow.Context, in Input, state *LifecycleState, upd stateUpdateBody) error {
	now := ctx.Now()
	state.StartTS = &now
	state.ConnectableTS = &now
	state.Sleeping = false
	state.SleepTS = nil
	return stepInsertPorts(ctx, ctx.WorkflowID(), upd.ProxiedPorts)
}

// eventLoop implements spec.md §4.E step 3-4's steady-state handling. It
// returns terminal=true when the actor should be destroyed, or a non-nil
// error; a Lost/crash event is handled internally (generation bump) and
// causes eventLoop to return (false, nil) so the caller reschedules.
func eventLoop(ctx *workflow.Context, in Input, state *LifecycleState) (terminal bool, err error) {
	for {
		timeout := idleAlarmDuration
		if state.AlarmTS != nil {
			if d := *state.AlarmTS - ctx.Now(); d > 0 {
				timeout = time.Duration(d) * time.Millisecond
			} else {
				timeout = 0
			}
		}
		name, body, to, err := ctx.ListenWithTimeout(timeout,
			SignalStateUpdate, SignalDrain, SignalUpgrade, SignalDestroy, SignalSleep, SignalWake)
		if err != nil {
			return false, err
		}
		if to {
			if state.AlarmTS != nil && ctx.Now() >= *state.AlarmTS {
				state.AlarmTS = nil
			}
			continue
		}

		switch name {
		case SignalStateUpdate:
			var upd stateUpdateBody
			_ = json.Unmarshal(body, &upd)
			switch upd.Status {
			case StatusRunning:
				if err := applyRunning(ctx, in, state, upd); err != nil {
					return false, err
				}
			case StatusSleeping:
				now := ctx.Now()
				state.Sleeping = true
				state.SleepTS = &now
				state.ConnectableTS = nil
			case StatusStopped, StatusExited:
				return true, nil
			case StatusLost:
				state.Generation++
				return false, nil
			}
		case SignalDrain:
			done, derr := handleDrain(ctx, in, state, body)
			if derr != nil {
				return false, derr
			}
			if done {
				return true, nil
			}
		case SignalUpgrade:
			var up upgradeBody
			_ = json.Unmarshal(body, &up)
			if up.NewImageID != "" {
				state.PendingUpgradeImageID = &up.NewImageID
			}
		case SignalDestroy:
			applyDestroyBody(state, body)
			return true, nil
		case SignalSleep:
			now := ctx.Now()
			state.Sleeping = true
			state.SleepTS = &now
		case SignalWake:
			state.Sleeping = false
			state.SleepTS = nil
		}
	}
}

type drainBody struct {
	DrainTimeoutMS int64 `json:"drain_timeout_ms"`
}

// handleDrain implements spec.md §4.E step 6: wait for drain_timeout_ms -
// DRAIN_PADDING_MS, then Destroy or Undrain; auto-Destroy on timeout.
func handleDrain(ctx *workflow.Context, in Input, state *LifecycleState, body json.RawMessage) (destroyed bool, err error) {
	var d drainBody
	_ = json.Unmarshal(body, &d)
	timeout := time.Duration(d.DrainTimeoutMS)*time.Millisecond - drainPaddingDuration
	if timeout < 0 {
		timeout = 0
	}
	name, dbody, timedOut, err := ctx.ListenWithTimeout(timeout, SignalDestroy, SignalUndrain)
	if err != nil {
		return false, err
	}
	if name == SignalDestroy {
		applyDestroyBody(state, dbody)
	}
	if timedOut || name == SignalDestroy {
		return true, nil
	}
	return false, nil
}

// errDestroyWhileRescheduling signals reschedule was interrupted by Destroy.
var errDestroyWhileRescheduling = &errs.Unrecoverable{Code: "DESTROYED_WHILE_RESCHEDULING", Message: "destroy requested during reschedule backoff"}

// destroy implements spec.md §4.E step 7: StopActor, wait kill_timeout_ms,
// SIGKILL, then clear ports/resources and release the allocator slot in one
// transaction.
func destroy(ctx *workflow.Context, in Input, state *LifecycleState) (json.RawMessage, error) {
	if state.RunnerWorkflowID != nil {
		if err := ctx.SendSignal(*state.RunnerWorkflowID, SignalStopActor, stopActorBody{ActorID: ctx.WorkflowID(), Force: false}); err != nil {
			return nil, err
		}
		killTimeoutMS := in.KillTimeoutMS
		if state.DestroyOverrideKillTimeoutMS != nil {
			killTimeoutMS = *state.DestroyOverrideKillTimeoutMS
		}
		if err := ctx.Sleep(time.Duration(killTimeoutMS) * time.Millisecond); err != nil {
			return nil, err
		}
		if err := ctx.SendSignal(*state.RunnerWorkflowID, SignalStopActor, stopActorBody{ActorID: ctx.WorkflowID(), Force: true}); err != nil {
			return nil, err
		}
	}

	if state.RunnerID != nil {
		if err := stepClearPortsAndResources(ctx, in, *state.RunnerID); err != nil {
			return nil, err
		}
	}

	state.Destroyed = true
	out, _ := json.Marshal(Output{Destroyed: true, Generation: state.Generation})
	return out, nil
}

type stopActorBody struct {
	ActorID uuid.UUID `json:"actor_id"`
	Force   bool      `json:"force"`
}

// --- Step wrappers: scheduler mutations running inside this pass's own KV
// transaction via Context.Step (see internal/workflow/context.go). ---

func stepAllocate(ctx *workflow.Context, in Input, generation uint32) (scheduler.AllocationResult, error) {
	now := ctx.Now()
	actorID := ctx.WorkflowID()
	raw, err := ctx.Step("allocate_actor", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		res, err := scheduler.AllocateActor(c, tx, in.Namespace, in.RunnerSelector, actorID, generation, in.Policy, now)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return scheduler.AllocationResult{}, err
	}
	var res scheduler.AllocationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return scheduler.AllocationResult{}, err
	}
	return res, nil
}

func stepTryDequeue(ctx *workflow.Context, in Input, pendingTS int64) (bool, error) {
	actorID := ctx.WorkflowID()
	raw, err := ctx.Step("try_dequeue_pending", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		removed, err := scheduler.TryDequeue(c, tx, in.Namespace, in.RunnerSelector, pendingTS, actorID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(removed)
	})
	if err != nil {
		return false, err
	}
	var removed bool
	_ = json.Unmarshal(raw, &removed)
	return removed, nil
}

func stepInsertPorts(ctx *workflow.Context, actorID uuid.UUID, ports []ProxiedPort) error {
	_, err := ctx.Step("insert_ports", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		for _, p := range ports {
			tx.Set(c, kv.ProxiedPortKey(actorID, p.Name), mustJSON(p))
		}
		return json.RawMessage("{}"), nil
	})
	return err
}

func stepClearPortsAndResources(ctx *workflow.Context, in Input, runnerID uuid.UUID) error {
	now := ctx.Now()
	actorID := ctx.WorkflowID()
	_, err := ctx.Step("clear_ports_and_resources", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		begin, end := kv.ProxiedPortSubspace(actorID)
		tx.ClearRange(c, begin, end)

		runner, err := loadRunnerEntry(c, tx, in.Namespace, in.RunnerSelector, runnerID)
		if err != nil {
			return nil, err
		}
		fullyEmpty, err := scheduler.DeallocateActor(c, tx, runner, actorID, in.SingleActorPool)
		if err != nil {
			return nil, err
		}
		if fullyEmpty && in.SingleActorPool {
			bus.PublishSignal(c, tx, runner.RunnerWorkflowID, SignalRunnerExit, nil, now)
		}
		return json.RawMessage("{}"), nil
	})
	return err
}

func loadRunnerEntry(ctx context.Context, tx kv.Transaction, ns, runnerName string, runnerID uuid.UUID) (scheduler.RunnerIndexEntry, error) {
	candidates, err := scheduler.ScanCandidates(ctx, tx, ns, runnerName, false)
	if err != nil {
		return scheduler.RunnerIndexEntry{}, err
	}
	for _, c := range candidates {
		if c.RunnerID == runnerID {
			return c, nil
		}
	}
	return scheduler.RunnerIndexEntry{}, &errs.Unrecoverable{Code: "RUNNER_NOT_FOUND", Message: "runner index entry missing at deallocate time"}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
