// Command orchestratorctl is an operator CLI over internal/api's dispatch
// and Actor API surfaces. It opens the same kv.Store a running orchestrator
// process uses (per the -config document) and calls internal/api directly —
// there is no separate RPC transport for this control plane, since the
// workflow/actor state it reads and writes already lives in shared KV.
//
// No CLI framework appears anywhere in the dependency pack, so subcommands
// are dispatched by hand off os.Args[1], each with its own flag.FlagSet, the
// way registry/cmd/registry/main.go handles its own flags.
//
// Usage:
//
//	orchestratorctl -config ./orchestrator.yaml dispatch -name <workflow> -tags k=v,k2=v2 -input '{"a":1}'
//	orchestratorctl -config ./orchestrator.yaml get <workflow-id>
//	orchestratorctl -config ./orchestrator.yaml signal <workflow-id> -name <signal> -body '{}'
//	orchestratorctl -config ./orchestrator.yaml find -tags k=v -state Sleeping
//	orchestratorctl -config ./orchestrator.yaml actor create -namespace ns1 -runner game -tags k=v
//	orchestratorctl -config ./orchestrator.yaml actor destroy <actor-id>
//	orchestratorctl -config ./orchestrator.yaml actor upgrade <actor-id> -image img2
//	orchestratorctl -config ./orchestrator.yaml actor list -tags k=v
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rivet-gg/actor-orchestrator/internal/actor"
	"github.com/rivet-gg/actor-orchestrator/internal/api"
	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/config"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/redisdriver"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	top := flag.NewFlagSet("orchestratorctl", flag.ExitOnError)
	configPathF := top.String("config", "", "path to the orchestrator's YAML config document")
	if err := top.Parse(args); err != nil {
		return err
	}
	rest := top.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: orchestratorctl [-config FILE] <dispatch|get|signal|find|actor> ...")
	}

	cfg, err := config.Load(*configPathF)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := workflow.NewRegistry()
	if err := actor.Register(registry); err != nil {
		return err
	}
	// This CLI never runs a worker loop — it only needs Engine.Dispatch's
	// write path, so bus/batch/poll options are irrelevant, but Dispatch
	// still reaches through a real *Engine for its store handle and clock.
	b := bus.New(store, bus.NewMemBroadcaster(), cfg.BusSignalTTL.Milliseconds(), nil)
	engine := workflow.NewEngine(store, b, registry, nil, "orchestratorctl", workflow.WithClock(nowMillis))
	svc := api.NewService(engine, registry, store, api.NewSchemaRegistry(), nowMillis)
	actorSvc := api.NewActorService(svc)

	ctx := context.Background()
	switch rest[0] {
	case "dispatch":
		return cmdDispatch(ctx, svc, rest[1:])
	case "get":
		return cmdGet(ctx, svc, rest[1:])
	case "signal":
		return cmdSignal(ctx, svc, rest[1:])
	case "find":
		return cmdFind(ctx, svc, rest[1:])
	case "actor":
		return cmdActor(ctx, actorSvc, rest[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func buildStore(cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.KVBackend {
	case config.KVBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		driver := redisdriver.New(client)
		return driver, func() { _ = driver.Close() }, nil
	default:
		return memdriver.New(), func() {}, nil
	}
}

func parseTags(s string) map[string]string {
	tags := map[string]string{}
	if s == "" {
		return tags
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			tags[kv[0]] = kv[1]
		}
	}
	return tags
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdDispatch(ctx context.Context, svc *api.Service, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	name := fs.String("name", "", "workflow name")
	tags := fs.String("tags", "", "comma-separated k=v tags")
	input := fs.String("input", "", "JSON input document")
	rayID := fs.String("ray-id", "", "caller-supplied ray ID recorded on the dispatched workflow (not used to deduplicate)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := svc.Dispatch(ctx, *name, parseTags(*tags), json.RawMessage(*input), *rayID)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdGet(ctx context.Context, svc *api.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: get <workflow-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow id: %w", err)
	}
	state, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(state)
}

func cmdSignal(ctx context.Context, svc *api.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: signal <workflow-id> -name <signal> [-body JSON]")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow id: %w", err)
	}
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	name := fs.String("name", "", "signal name")
	body := fs.String("body", "{}", "JSON signal body")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	return svc.Signal(ctx, &id, nil, *name, json.RawMessage(*body))
}

func cmdFind(ctx context.Context, svc *api.Service, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	tags := fs.String("tags", "", "comma-separated k=v tags")
	name := fs.String("workflow-name", "", "optional workflow name filter")
	state := fs.String("state", "", "optional state filter: Complete|Running|Sleeping|Dead")
	cursor := fs.String("cursor", "", "pagination cursor from a prior page")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	page, err := svc.Find(ctx, api.FindQuery{
		Tags: parseTags(*tags), Name: *name, StateFilter: *state, Cursor: *cursor, Limit: *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(page)
}

func cmdActor(ctx context.Context, svc *api.ActorService, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: actor <create|get|destroy|upgrade|list> ...")
	}
	switch args[0] {
	case "create":
		return cmdActorCreate(ctx, svc, args[1:])
	case "get":
		return cmdActorGet(ctx, svc, args[1:])
	case "destroy":
		return cmdActorDestroy(ctx, svc, args[1:])
	case "upgrade":
		return cmdActorUpgrade(ctx, svc, args[1:])
	case "list":
		return cmdActorList(ctx, svc, args[1:])
	default:
		return fmt.Errorf("unknown actor subcommand %q", args[0])
	}
}

func cmdActorCreate(ctx context.Context, svc *api.ActorService, args []string) error {
	fs := flag.NewFlagSet("actor create", flag.ExitOnError)
	namespace := fs.String("namespace", "", "namespace")
	runnerSelector := fs.String("runner", "", "runner_name_selector")
	name := fs.String("name", "", "actor name")
	key := fs.String("key", "", "actor key")
	tags := fs.String("tags", "", "comma-separated k=v tags")
	buildImageID := fs.String("image", "", "build image id")
	drainMS := fs.Int64("drain-timeout-ms", 0, "drain timeout, milliseconds")
	killMS := fs.Int64("kill-timeout-ms", 0, "kill timeout, milliseconds")
	rayID := fs.String("ray-id", "", "caller-supplied ray ID recorded on the dispatched workflow (not used to deduplicate)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := svc.Create(ctx, api.CreateActorRequest{
		Namespace: *namespace, RunnerSelector: *runnerSelector, Name: *name, Key: *key,
		Tags: parseTags(*tags), BuildImageID: *buildImageID,
		DrainTimeoutMS: *drainMS, KillTimeoutMS: *killMS,
	}, *rayID)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdActorGet(ctx context.Context, svc *api.ActorService, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: actor get <actor-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid actor id: %w", err)
	}
	state, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(state)
}

func cmdActorDestroy(ctx context.Context, svc *api.ActorService, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: actor destroy <actor-id> [-override-kill-timeout-ms N]")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid actor id: %w", err)
	}
	fs := flag.NewFlagSet("actor destroy", flag.ExitOnError)
	override := fs.Int64("override-kill-timeout-ms", -1, "override the pool's default kill timeout")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	req := api.DestroyActorRequest{ActorID: id}
	if *override >= 0 {
		req.OverrideKillTimeoutMS = override
	}
	return svc.Destroy(ctx, req)
}

func cmdActorUpgrade(ctx context.Context, svc *api.ActorService, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: actor upgrade <actor-id> -image <new-image-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid actor id: %w", err)
	}
	fs := flag.NewFlagSet("actor upgrade", flag.ExitOnError)
	image := fs.String("image", "", "new build image id")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	return svc.Upgrade(ctx, api.UpgradeActorRequest{ActorID: id, NewImageID: *image})
}

func cmdActorList(ctx context.Context, svc *api.ActorService, args []string) error {
	fs := flag.NewFlagSet("actor list", flag.ExitOnError)
	tags := fs.String("tags", "", "comma-separated k=v tags")
	includeDestroyed := fs.Bool("include-destroyed", false, "include destroyed actors")
	cursor := fs.String("cursor", "", "pagination cursor from a prior page")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	page, err := svc.List(ctx, api.ListActorsQuery{
		Tags: parseTags(*tags), IncludeDestroyed: *includeDestroyed, Cursor: *cursor, Limit: *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(page)
}
