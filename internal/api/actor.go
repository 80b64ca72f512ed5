package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/actor"
	"github.com/rivet-gg/actor-orchestrator/internal/errs"
)

// ActorService implements spec.md §6's "Actor API" on top of Service's
// generic dispatch/get/signal/find primitives — actors are just workflows
// of name actor.WorkflowNameActor, so this package adds only the
// actor-specific validation and config assembly spec.md §6 calls out.
type ActorService struct {
	svc *Service
}

// NewActorService wraps svc.
func NewActorService(svc *Service) *ActorService {
	return &ActorService{svc: svc}
}

// Create implements spec.md §6 "create" (Actor API), validating tag/env/port
// limits before ever reaching the engine (spec.md §7 "Validation errors ...
// never enter the engine").
func (a *ActorService) Create(ctx context.Context, req CreateActorRequest, rayID string) (DispatchResult, error) {
	if err := validateTags(req.Tags); err != nil {
		return DispatchResult{}, err
	}
	if err := validateEnv(req.Env); err != nil {
		return DispatchResult{}, err
	}
	if err := validatePorts(req.NetworkPorts); err != nil {
		return DispatchResult{}, err
	}

	config, err := json.Marshal(actorConfig{
		Name: req.Name, Key: req.Key, Env: req.Env,
		NetworkPorts: req.NetworkPorts, BuildImageID: req.BuildImageID,
	})
	if err != nil {
		return DispatchResult{}, err
	}

	input, err := json.Marshal(actor.Input{
		Namespace: req.Namespace, RunnerSelector: req.RunnerSelector, Policy: req.Policy,
		DrainTimeoutMS: req.DrainTimeoutMS, KillTimeoutMS: req.KillTimeoutMS,
		SingleActorPool: req.SingleActorPool, Config: config,
	})
	if err != nil {
		return DispatchResult{}, err
	}

	return a.svc.Dispatch(ctx, actor.WorkflowNameActor, req.Tags, input, rayID)
}

// Get implements spec.md §6 "get" (Actor API) via the generic workflow get.
func (a *ActorService) Get(ctx context.Context, actorID uuid.UUID) (WorkflowState, error) {
	return a.svc.Get(ctx, actorID)
}

// Destroy implements spec.md §6 "destroy(override_kill_timeout_ms?)".
func (a *ActorService) Destroy(ctx context.Context, req DestroyActorRequest) error {
	body, err := json.Marshal(struct {
		OverrideKillTimeoutMS *int64 `json:"override_kill_timeout_ms,omitempty"`
	}{OverrideKillTimeoutMS: req.OverrideKillTimeoutMS})
	if err != nil {
		return err
	}
	return a.svc.Signal(ctx, &req.ActorID, nil, actor.SignalDestroy, body)
}

// Upgrade implements spec.md §6 "upgrade(new_image_id)".
func (a *ActorService) Upgrade(ctx context.Context, req UpgradeActorRequest) error {
	if req.NewImageID == "" {
		return errs.NewValidation(errs.CodeBuildNotFound, "new_image_id is required")
	}
	body, err := json.Marshal(struct {
		NewImageID string `json:"new_image_id"`
	}{NewImageID: req.NewImageID})
	if err != nil {
		return err
	}
	return a.svc.Signal(ctx, &req.ActorID, nil, actor.SignalUpgrade, body)
}

// List implements spec.md §6 "list(tags, include_destroyed?, cursor?, limit?)".
// Actors are never hard-deleted (their workflow row persists after
// destruction, Output.Destroyed=true), so "include_destroyed" filters the
// decoded Output rather than excluding rows at the index-scan level.
func (a *ActorService) List(ctx context.Context, q ListActorsQuery) (FindPage, error) {
	page, err := a.svc.Find(ctx, FindQuery{
		Tags: q.Tags, Name: actor.WorkflowNameActor, Cursor: q.Cursor, Limit: q.Limit,
	})
	if err != nil {
		return FindPage{}, err
	}
	if q.IncludeDestroyed {
		return page, nil
	}

	filtered := make([]FindResult, 0, len(page.Results))
	for _, r := range page.Results {
		if r.State != StateComplete {
			filtered = append(filtered, r)
			continue
		}
		state, err := a.svc.Get(ctx, r.WorkflowID)
		if err != nil {
			continue
		}
		var out actor.Output
		if err := json.Unmarshal(state.Output, &out); err == nil && out.Destroyed {
			continue
		}
		filtered = append(filtered, r)
	}
	page.Results = filtered
	return page, nil
}
