// Command orchestrator runs the worker process: it drives component C's
// workflow Engine (dispatching and ticking the actor lifecycle, reconciler,
// and any other registered workflows), serves the runner protocol's gRPC
// stream, and bridges durably-recorded runner commands onto live
// connections.
//
// # Configuration
//
// A YAML file (-config) layers over internal/config.Default(); environment
// variables then layer over that (see internal/config.ApplyEnvOverrides's
// doc comment for the full variable list).
//
// # Example
//
//	ORCHESTRATOR_KV_BACKEND=redis ORCHESTRATOR_REDIS_URL=localhost:6379 \
//	  ./orchestrator -config ./orchestrator.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/rivet-gg/actor-orchestrator/internal/actor"
	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/config"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/redisdriver"
	"github.com/rivet-gg/actor-orchestrator/internal/reconciler"
	"github.com/rivet-gg/actor-orchestrator/internal/runnerproto"
	"github.com/rivet-gg/actor-orchestrator/internal/telemetry"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

func main() {
	configPathF := flag.String("config", "", "path to a YAML config document (optional)")
	dbgF := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPathF); err != nil {
		log.Printf(ctx, "orchestrator exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.WorkerID == "" {
		if host, herr := os.Hostname(); herr == nil {
			cfg.WorkerID = host
		} else {
			cfg.WorkerID = uuid.NewString()
		}
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics(cfg.ClueServiceName)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build kv store: %w", err)
	}
	defer closeStore()

	b := bus.New(store, bus.NewMemBroadcaster(), cfg.BusSignalTTL.Milliseconds(), logger)

	registry := workflow.NewRegistry()
	if err := actor.Register(registry); err != nil {
		return fmt.Errorf("register actor workflows: %w", err)
	}
	// mirror is intentionally nil: the reconciler's configMirror is a
	// best-effort cross-process fan-out over goa.design/pulse's rmap, never
	// consulted for a commit decision, so a single-process deployment (or one
	// willing to pay an extra KV read per follower) can skip it entirely.
	if err := reconciler.Register(registry, nil); err != nil {
		return fmt.Errorf("register reconciler workflow: %w", err)
	}

	engine := workflow.NewEngine(store, b, registry, nil, cfg.WorkerID,
		workflow.WithBatchSize(cfg.EngineBatchSize),
		workflow.WithPollInterval(cfg.PollInterval),
		workflow.WithTelemetry(logger, metrics),
	)

	runnerSrv := runnerproto.NewServer(runnerproto.NewActorEventHandler(store, defaultClock, logger))

	grpcSrv := grpc.NewServer()
	grpcSrv.RegisterService(&runnerproto.ServiceDesc, &runnerHandler{srv: runnerSrv, store: store, bus: b, logger: logger})

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	errc := make(chan error, 2)
	go func() { errc <- engine.Run(ctx) }()
	go func() { errc <- grpcSrv.Serve(lis) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	log.Print(ctx, log.KV{K: "listen_addr", V: cfg.ListenAddr}, log.KV{K: "worker_id", V: cfg.WorkerID})

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "signal", V: sig.String()})
		grpcSrv.GracefulStop()
		return nil
	}
}

func defaultClock() int64 { return time.Now().UnixMilli() }

// buildStore constructs the primary kv.Store per cfg.KVBackend, returning a
// close func the caller must defer even for backends with nothing to close.
func buildStore(cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.KVBackend {
	case config.KVBackendMemory:
		return memdriver.New(), func() {}, nil
	case config.KVBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		driver := redisdriver.New(client)
		return driver, func() { _ = driver.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv_backend %q", cfg.KVBackend)
	}
}

// runnerHandler adapts one accepted gRPC stream to runnerproto.Server,
// identifying the connecting runner from the "x-runner-id" metadata header
// a runner process sets when dialing (runnerproto.Dial's caller is
// responsible for attaching it with metadata.AppendToOutgoingContext on the
// context it passes to runnerproto.Dial, since the wire protocol itself
// carries no identity handshake message).
type runnerHandler struct {
	srv    *runnerproto.Server
	store  kv.Store
	bus    *bus.Bus
	logger telemetry.Logger
}

func (h *runnerHandler) Stream(stream grpc.ServerStream) error {
	runnerID, err := runnerIDFromContext(stream.Context())
	if err != nil {
		return err
	}

	bridgeCtx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		if err := runnerproto.BridgeRunner(bridgeCtx, h.bus, h.srv, runnerID, h.logger); err != nil && h.logger != nil {
			h.logger.Warn(bridgeCtx, "runnerproto: bridge exited", "runner_id", runnerID, "err", err)
		}
	}()

	return runnerproto.ServeConn(h.srv, runnerID, stream)
}

func runnerIDFromContext(ctx context.Context) (uuid.UUID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("runnerproto: missing metadata")
	}
	vals := md.Get("x-runner-id")
	if len(vals) == 0 {
		return uuid.UUID{}, fmt.Errorf("runnerproto: missing x-runner-id metadata")
	}
	return uuid.Parse(vals[0])
}
