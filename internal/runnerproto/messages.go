// Package runnerproto implements the bidirectional runner protocol (spec.md
// §6 "Runner protocol"): commands flow engine→runner, events flow
// runner→engine, both sides numbering their messages monotonically and
// acking up to an index for resumability after a reconnect.
package runnerproto

import "encoding/json"

// Command kinds (spec.md §6).
const (
	CommandStartActor   = "start_actor"
	CommandStopActor    = "stop_actor"
	CommandSignalRunner = "signal_runner"
)

// Event kinds (spec.md §6).
const (
	EventActorStateUpdate = "actor_state_update"
	EventInit             = "init"
)

// Actor states carried by ActorStateUpdate (spec.md §6).
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateLost     = "lost"
	StateExited   = "exited"
)

// Command is one engine→runner message. Idx is this command's own
// monotonic sequence number, assigned by the sender.
type Command struct {
	Idx uint64 `json:"idx"`
	Kind string `json:"kind"`

	StartActor   *StartActorCmd   `json:"start_actor,omitempty"`
	StopActor    *StopActorCmd    `json:"stop_actor,omitempty"`
	SignalRunner *SignalRunnerCmd `json:"signal_runner,omitempty"`
}

type StartActorCmd struct {
	ActorID    string          `json:"actor_id"`
	Generation uint32          `json:"generation"`
	Config     json.RawMessage `json:"config"`
}

type StopActorCmd struct {
	ActorID        string `json:"actor_id"`
	Generation     uint32 `json:"generation"`
	Signal         string `json:"signal"`
	PersistStorage bool   `json:"persist_storage"`
}

type SignalRunnerCmd struct {
	Signal string `json:"signal"`
}

// Event is one runner→engine message. Idx is this event's own monotonic
// sequence number; AckIdx piggybacks the highest Command.Idx the runner has
// fully applied, letting the engine prune its own resend buffer.
type Event struct {
	Idx    uint64 `json:"idx"`
	AckIdx uint64 `json:"ack_idx"`
	Kind   string `json:"kind"`

	ActorStateUpdate *ActorStateUpdateEvent `json:"actor_state_update,omitempty"`
	Init             *InitEvent             `json:"init,omitempty"`
}

type ActorStateUpdateEvent struct {
	ActorID      string         `json:"actor_id"`
	Generation   uint32         `json:"generation"`
	State        string         `json:"state"`
	ProxiedPorts []ProxiedPort  `json:"proxied_ports,omitempty"`
	ExitCode     *int32         `json:"exit_code,omitempty"`
}

// ProxiedPort mirrors the routing-layer record published at
// kv.ProxiedPortKey (spec.md §6 "Port layout and routing").
type ProxiedPort struct {
	PortName     string `json:"port_name"`
	LANHostname  string `json:"lan_hostname"`
	Source       uint64 `json:"source"`
	IngressPort  uint64 `json:"ingress_port"`
	Protocol     string `json:"protocol"`
}

// InitEvent is the first message a runner sends on (re)connect, reporting
// the last command index it actually applied so the engine knows where to
// resume the command stream (spec.md §6 "Both sides number their messages
// monotonically and ack up to an index for resumability").
type InitEvent struct {
	LastCommandIdx uint64 `json:"last_command_idx"`
}
