package runnerproto

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/actor"
	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/telemetry"
)

// runnerCommandEnvelope mirrors internal/actor's unexported wire shape for
// RunnerCommandTopic messages; duplicated here (rather than exported from
// actor) since it is this package's transport concern, not the workflow's.
type runnerCommandEnvelope struct {
	Kind       string `json:"kind"`
	StartActor *struct {
		ActorID    uuid.UUID       `json:"actor_id"`
		Generation uint32          `json:"generation"`
		Config     json.RawMessage `json:"config,omitempty"`
	} `json:"start_actor,omitempty"`
	StopActor *struct {
		ActorID uuid.UUID `json:"actor_id"`
		Force   bool      `json:"force"`
	} `json:"stop_actor,omitempty"`
}

// BridgeRunner subscribes to runnerID's command topic (published by
// internal/actor's RunnerWorkflow via ctx.MessagePublish, since a workflow
// body cannot perform the gRPC dispatch itself without breaking replay
// determinism) and forwards every command onto srv for delivery over
// runnerID's live Conn. It blocks until ctx is canceled or the subscription
// errors.
func BridgeRunner(ctx context.Context, b *bus.Bus, srv *Server, runnerID uuid.UUID, logger telemetry.Logger) error {
	envelopes, err := b.Subscribe(ctx, actor.RunnerCommandTopic(runnerID), nil, "")
	if err != nil {
		return err
	}
	for env := range envelopes {
		var cmd runnerCommandEnvelope
		if err := json.Unmarshal(env.Body, &cmd); err != nil {
			if logger != nil {
				logger.Warn(ctx, "runnerproto: undecodable runner command envelope", "runner_id", runnerID, "err", err)
			}
			continue
		}
		if err := dispatchEnvelope(srv, runnerID, cmd); err != nil && logger != nil {
			logger.Warn(ctx, "runnerproto: dispatch failed", "runner_id", runnerID, "err", err)
		}
	}
	return nil
}

func dispatchEnvelope(srv *Server, runnerID uuid.UUID, cmd runnerCommandEnvelope) error {
	switch cmd.Kind {
	case actor.SignalStartActor:
		if cmd.StartActor == nil {
			return nil
		}
		return srv.Dispatch(runnerID, Command{
			Kind: CommandStartActor,
			StartActor: &StartActorCmd{
				ActorID:    cmd.StartActor.ActorID.String(),
				Generation: cmd.StartActor.Generation,
				Config:     cmd.StartActor.Config,
			},
		})
	case actor.SignalStopActor:
		if cmd.StopActor == nil {
			return nil
		}
		return srv.Dispatch(runnerID, Command{
			Kind: CommandStopActor,
			StopActor: &StopActorCmd{
				ActorID: cmd.StopActor.ActorID.String(),
			},
		})
	default:
		return nil
	}
}

// NewActorEventHandler builds an EventHandler that translates runner-reported
// ActorStateUpdate events into StateUpdate signals targeting the actor's
// workflow, and Init events into a no-op (Server's own Init-replay logic
// already handles resend bookkeeping; this hook exists for callers that want
// to log reconnects). actorID is parsed from ActorStateUpdateEvent.ActorID,
// which the runner protocol carries as a string form of the actor's
// workflow id.
func NewActorEventHandler(store kv.Store, nowFn func() int64, logger telemetry.Logger) EventHandler {
	return func(runnerID uuid.UUID, ev Event) {
		if ev.Kind != EventActorStateUpdate || ev.ActorStateUpdate == nil {
			return
		}
		upd := ev.ActorStateUpdate
		actorID, err := uuid.Parse(upd.ActorID)
		if err != nil {
			if logger != nil {
				logger.Warn(context.Background(), "runnerproto: bad actor id in state update", "actor_id", upd.ActorID)
			}
			return
		}
		body, _ := json.Marshal(struct {
			Status       string              `json:"status"`
			ProxiedPorts []actor.ProxiedPort `json:"proxied_ports,omitempty"`
		}{Status: upd.State, ProxiedPorts: toActorPorts(upd.ProxiedPorts)})

		ctx := context.Background()
		_ = store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
			bus.PublishSignal(ctx, tx, actorID, actor.SignalStateUpdate, body, nowFn())
			return nil
		})
	}
}

func toActorPorts(ports []ProxiedPort) []actor.ProxiedPort {
	out := make([]actor.ProxiedPort, 0, len(ports))
	for _, p := range ports {
		out = append(out, actor.ProxiedPort{Name: p.PortName, Port: p.IngressPort})
	}
	return out
}
