package actor

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// RunnerInput dispatches a new runner workflow (spec.md §4.E "A runner
// workflow mirrors...").
type RunnerInput struct {
	RunnerID   uuid.UUID `json:"runner_id"`
	Namespace  string    `json:"namespace"`
	RunnerName string    `json:"runner_name"`
	Version    uint64    `json:"version"`
	TotalSlots uint64    `json:"total_slots"`
}

type startActorCmd struct {
	ActorID    uuid.UUID       `json:"actor_id"`
	Generation uint32          `json:"generation"`
	Config     json.RawMessage `json:"config,omitempty"`
}

type stopActorCmd struct {
	ActorID uuid.UUID `json:"actor_id"`
	Force   bool      `json:"force"`
}

// RunnerCommandTopic names the message-bus topic a runner's live bridge
// connection subscribes to for commands this workflow durably records but
// has no transport of its own to deliver (spec.md §6 runner protocol):
// internal/runnerproto's bridge tails this topic and forwards each message
// over the runner's attached gRPC stream via Server.Dispatch.
func RunnerCommandTopic(runnerID uuid.UUID) string {
	return "runner_command:" + runnerID.String()
}

// runnerCommandEnvelope is published on RunnerCommandTopic for every
// StartActor/StopActor the runner workflow receives, carrying enough to
// build a runnerproto.Command without this package importing runnerproto
// (the dependency runs the other way: runnerproto's bridge imports this
// package's constants and topic naming, not vice versa).
type runnerCommandEnvelope struct {
	Kind       string          `json:"kind"`
	StartActor *startActorCmd  `json:"start_actor,omitempty"`
	StopActor  *stopActorCmd   `json:"stop_actor,omitempty"`
}

type pingBody struct {
	RemainingSlots uint64 `json:"remaining_slots"`
}

// RunnerWorkflow holds a runner's slot accounting and forwards lifecycle
// commands to the runner protocol layer (spec.md §4.E "A runner workflow
// mirrors"). It registers itself in the alloc index on its first pass and
// deregisters on Exit.
func RunnerWorkflow(ctx *workflow.Context, rawInput json.RawMessage) (json.RawMessage, error) {
	var in RunnerInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, errs.NewUnrecoverable("BAD_INPUT", err.Error())
	}

	if err := stepRegister(ctx, in); err != nil {
		return nil, err
	}

	for {
		name, body, err := ctx.Listen(SignalStartActor, SignalStopActor, SignalRunnerExit, SignalDrain, SignalPing)
		if err != nil {
			return nil, err
		}
		switch name {
		case SignalStartActor:
			var cmd startActorCmd
			_ = json.Unmarshal(body, &cmd)
			if err := ctx.MessagePublish(RunnerCommandTopic(in.RunnerID), nil, runnerCommandEnvelope{
				Kind: SignalStartActor, StartActor: &cmd,
			}); err != nil {
				return nil, err
			}
		case SignalStopActor:
			var cmd stopActorCmd
			_ = json.Unmarshal(body, &cmd)
			if err := ctx.MessagePublish(RunnerCommandTopic(in.RunnerID), nil, runnerCommandEnvelope{
				Kind: SignalStopActor, StopActor: &cmd,
			}); err != nil {
				return nil, err
			}
		case SignalRunnerExit:
			return finishRunner(ctx, in)
		case SignalDrain:
			if err := drainRunner(ctx, in); err != nil {
				return nil, err
			}
			return finishRunner(ctx, in)
		case SignalPing:
			var p pingBody
			_ = json.Unmarshal(body, &p)
			if err := pingRunner(ctx, in, p.RemainingSlots); err != nil {
				return nil, err
			}
		}
	}
}

func finishRunner(ctx *workflow.Context, in RunnerInput) (json.RawMessage, error) {
	if err := stepDeregister(ctx, in); err != nil {
		return nil, err
	}
	out, _ := json.Marshal(struct {
		Exited bool `json:"exited"`
	}{Exited: true})
	return out, nil
}

// drainRunner implements the SUPPLEMENTED FEATURE from
// original_source/packages/edge/services/pegboard/src/workflows/actor2/destroy.rs:
// a drained runner's actors are re-allocated onto other eligible runners
// before this runner is destroyed, rather than simply stopping them in
// place. It signals each currently-assigned actor with StateUpdate{lost} —
// the same event the reconciler's liveness sweep uses (internal/reconciler)
// — so the actor workflow takes its normal Lost branch: bump generation,
// release the old allocation, and race allocate_actor again against a
// different runner (actor.go's eventLoop/startAndWaitReady Lost handling,
// not Destroy, which is terminal and would tear the actor down instead).
func drainRunner(ctx *workflow.Context, in RunnerInput) error {
	actorIDs, err := stepListAssignedActors(ctx, in.RunnerID)
	if err != nil {
		return err
	}
	for _, actorID := range actorIDs {
		if err := ctx.SendSignal(actorID, SignalStateUpdate, stateUpdateBody{Status: StatusLost}); err != nil {
			return err
		}
	}
	return nil
}

func stepRegister(ctx *workflow.Context, in RunnerInput) error {
	now := ctx.Now()
	_, err := ctx.Step("register_runner", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		entry := scheduler.RunnerIndexEntry{
			Namespace: in.Namespace, RunnerName: in.RunnerName, Version: in.Version,
			LastPingTS: now, RunnerID: in.RunnerID,
			RunnerIndexValue: scheduler.RunnerIndexValue{
				RunnerWorkflowID: ctx.WorkflowID(), RemainingSlots: in.TotalSlots, TotalSlots: in.TotalSlots,
			},
		}
		if err := scheduler.PutRunnerIndex(c, tx, entry); err != nil {
			return nil, err
		}
		return json.RawMessage("{}"), nil
	})
	return err
}

func stepDeregister(ctx *workflow.Context, in RunnerInput) error {
	now := ctx.Now()
	_, err := ctx.Step("deregister_runner", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		entry := scheduler.RunnerIndexEntry{
			Namespace: in.Namespace, RunnerName: in.RunnerName, Version: in.Version,
			LastPingTS: now, RunnerID: in.RunnerID,
			RunnerIndexValue: scheduler.RunnerIndexValue{
				RunnerWorkflowID: ctx.WorkflowID(), RemainingSlots: in.TotalSlots, TotalSlots: in.TotalSlots,
			},
		}
		scheduler.ClearRunnerIndex(c, tx, entry)
		return json.RawMessage("{}"), nil
	})
	return err
}

func stepListAssignedActors(ctx *workflow.Context, runnerID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := ctx.Step("list_assigned_actors", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		ids, err := scheduler.ScanAssignedActors(c, tx, runnerID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ids)
	})
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	_ = json.Unmarshal(raw, &ids)
	return ids, nil
}

// pingRunner updates this runner's index entry's last_ping_ts so the
// allocator's stale-ping eligibility check (spec.md §4.D step 3) sees it as
// alive, then runs the capacity-release mirror transaction (spec.md §4.D
// "The runner workflow, when capacity becomes available") and signals
// Allocate to every actor it picked up off the pending queue. The runner
// protocol layer calls this on every heartbeat via whatever dispatches a
// pass of this workflow's own signal-driven loop; it is exposed here so
// that wiring doesn't require duplicating the clear+rewrite logic.
func pingRunner(ctx *workflow.Context, in RunnerInput, remainingSlots uint64) error {
	now := ctx.Now()
	_, err := ctx.Step("ping_runner", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		old, err := loadRunnerEntry(c, tx, in.Namespace, in.RunnerName, in.RunnerID)
		if err != nil {
			return nil, err
		}
		scheduler.ClearRunnerIndex(c, tx, old)
		old.LastPingTS = now
		old.RemainingSlots = remainingSlots
		if err := scheduler.PutRunnerIndex(c, tx, old); err != nil {
			return nil, err
		}
		allocated, err := scheduler.AllocatePendingActors(c, tx, old)
		if err != nil {
			return nil, err
		}
		allocBody, err := json.Marshal(allocateSignalBody{RunnerID: old.RunnerID, RunnerWorkflowID: old.RunnerWorkflowID})
		if err != nil {
			return nil, err
		}
		for _, actorID := range allocated {
			bus.PublishSignal(c, tx, actorID, SignalAllocate, allocBody, now)
		}
		return json.Marshal(allocated)
	})
	return err
}
