package api

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
)

// DispatchResult is what dispatch(workflow_name, tags, input) returns
// (spec.md §6 "Workflow dispatch API").
type DispatchResult struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// WorkflowState is the result of get(workflow_id) (spec.md §6).
type WorkflowState struct {
	State  string          `json:"state"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// State values get() and find() report (spec.md §6 "state_filter").
const (
	StateComplete = "Complete"
	StateRunning  = "Running"
	StateSleeping = "Sleeping"
	StateDead     = "Dead"
)

// FindQuery is find(tags, name?, state_filter) with pagination (spec.md §6).
type FindQuery struct {
	Tags        map[string]string
	Name        string // optional
	StateFilter string // optional; one of the State* constants, "" = any
	Cursor      string
	Limit       int
}

// FindResult is one row of find()'s result list.
type FindResult struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Name       string    `json:"workflow_name"`
	State      string    `json:"state"`
}

// FindPage is find()'s paginated response.
type FindPage struct {
	Results []FindResult `json:"results"`
	Cursor  string       `json:"cursor,omitempty"`
}

// NetworkPort is one entry of an actor's declared network_ports (spec.md §6
// "Port layout and routing").
type NetworkPort struct {
	Name         string `json:"name"`
	InternalPort *uint64 `json:"internal_port,omitempty"`
	Protocol     string `json:"protocol"`
	Routing      string `json:"routing"` // "game_guard" | "host"
}

// CreateActorRequest is create()'s input (spec.md §6 "Actor API").
type CreateActorRequest struct {
	Namespace      string              `json:"namespace"`
	RunnerSelector string              `json:"runner_name_selector"`
	Name           string              `json:"name"`
	Key            string              `json:"key"`
	Tags           map[string]string   `json:"tags"`
	Env            map[string]string   `json:"env"`
	NetworkPorts   []NetworkPort       `json:"network_ports"`
	BuildImageID   string              `json:"build_image_id"`
	Policy         scheduler.PoolPolicy `json:"policy"`
	DrainTimeoutMS int64               `json:"drain_timeout_ms"`
	KillTimeoutMS  int64               `json:"kill_timeout_ms"`
	SingleActorPool bool               `json:"single_actor_pool"`
}

// actorConfig is the opaque payload carried as actor.Input.Config and,
// unopened, as the runner protocol's StartActorCmd.Config — the runner
// process is the only reader of this shape.
type actorConfig struct {
	Name         string            `json:"name"`
	Key          string            `json:"key"`
	Env          map[string]string `json:"env"`
	NetworkPorts []NetworkPort     `json:"network_ports"`
	BuildImageID string            `json:"build_image_id"`
}

// DestroyActorRequest is destroy()'s input.
type DestroyActorRequest struct {
	ActorID           uuid.UUID
	OverrideKillTimeoutMS *int64
}

// UpgradeActorRequest is upgrade()'s input.
type UpgradeActorRequest struct {
	ActorID    uuid.UUID
	NewImageID string
}

// ListActorsQuery is list(tags, include_destroyed?, cursor?, limit?)'s input.
type ListActorsQuery struct {
	Tags             map[string]string
	IncludeDestroyed bool
	Cursor           string
	Limit            int
}
