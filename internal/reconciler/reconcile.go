// Package reconciler implements the fleet reconciler (spec.md §4.F,
// component F): a singleton workflow per cluster that propagates
// configuration changes, drives new replicas through a download-state flow,
// and periodically prunes stale runner entries back into reschedule.
//
// Grounded on spec.md §4.F directly and on
// original_source/packages/services/epoxy/tests/reconfigure.rs /
// svc/pkg/cluster/src/ops/datacenter/topology_get.rs for the epoch/replica
// bookkeeping this distills.
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/pulse/rmap"

	"github.com/rivet-gg/actor-orchestrator/internal/actor"
	"github.com/rivet-gg/actor-orchestrator/internal/bus"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// WorkflowName is the registry name for the singleton reconciler workflow.
const WorkflowName = "fleet_reconciler"

// Signal names this workflow listens for (spec.md §4.F "Listens for
// Reconfigure signals").
const (
	SignalReconfigure = "Reconfigure"
	SignalShutdown    = "Shutdown"
)

// Replica status values (spec.md §4.F step 1 "statuses bumped
// joining→active once the new replica acknowledges").
const (
	ReplicaJoining = "joining"
	ReplicaActive  = "active"
	ReplicaLeaving = "leaving"
)

// ConfigChangeTopic is the durable tail topic broadcast on every epoch bump
// (spec.md §4.F step 2, via component B's tail).
const ConfigChangeTopic = "cluster.config_change"

// pruneIntervalMS is how often the workflow wakes on its own to run the
// stale-ping sweep when no Reconfigure signal arrives in the meantime.
// Equal to scheduler.PingEligibleWindowMS; the sweep's own expiry threshold,
// PingExpireWindowMS, is three times that window, so the sweep trails the
// allocator's staleness judgment rather than racing it.
const pruneIntervalMS = 10_000

// PingExpireWindowMS bounds how stale a runner's last ping may be before
// the reconciler gives up on it entirely and reschedules its actors,
// distinct from (and looser than) scheduler.PingEligibleWindowMS, which
// only governs whether the allocator considers a runner for *new* work.
const PingExpireWindowMS = 3 * scheduler.PingEligibleWindowMS

// Replica is one member of the cluster configuration record.
type Replica struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// ClusterConfig is the singleton configuration record (spec.md §3 "Epoch /
// cluster configuration"), stored under kv.ClusterConfigKey.
type ClusterConfig struct {
	Epoch    uint64    `json:"epoch"`
	Replicas []Replica `json:"replicas"`
}

// ConfigChangeBody is the payload broadcast on ConfigChangeTopic.
type ConfigChangeBody struct {
	Epoch    uint64    `json:"epoch"`
	Replicas []Replica `json:"replicas"`
}

// PoolRef names one runner pool the reconciler's stale-ping sweep scans.
// Unlike the allocator (which scans whatever pool an incoming actor names),
// the reconciler has no dispatching caller to take a pool from, so it is
// told which pools to watch at dispatch time.
type PoolRef struct {
	Namespace      string `json:"namespace"`
	RunnerSelector string `json:"runner_selector"`
}

// Input dispatches the singleton reconciler workflow.
type Input struct {
	Pools []PoolRef `json:"pools"`
}

type reconfigureBody struct {
	AddReplica      *Replica `json:"add_replica,omitempty"`
	RemoveReplicaID string   `json:"remove_replica_id,omitempty"`
	AckReplicaID    string   `json:"ack_replica_id,omitempty"`
}

// configMirror is the process-local fast-path for reading the current
// cluster epoch without going through the workflow engine, grounded on the
// teacher's registry.go/health_tracker.go use of rmap.Map as a
// cross-process-visible mirror of state whose durable source of truth is
// elsewhere (there: the registered-toolsets set; here: the KV config
// record). Optional: a nil mirror just skips the cross-process fan-out,
// since the KV record alone is already a correct source of truth.
type configMirror struct {
	m *rmap.Map
}

const configMirrorKey = "cluster_config"

// set mirrors cfg into the replicated map, best-effort. Because this runs
// inside a Context.Step closure (see stepReconfigure), a transaction retry
// after a KV conflict can call it more than once before one attempt
// actually commits — acceptable since the mirror is a read-side convenience
// over the KV record, never consulted to make a commit decision itself.
func (c *configMirror) set(ctx context.Context, cfg ClusterConfig) {
	if c == nil || c.m == nil {
		return
	}
	b, _ := json.Marshal(cfg)
	_, _ = c.m.Set(ctx, configMirrorKey, string(b))
}

// Register adds the reconciler workflow to reg. mirror is optional (may be
// nil) and is consulted only as a best-effort cross-process fan-out of the
// current epoch; every durability guarantee flows through the KV record.
func Register(reg *workflow.Registry, mirror *rmap.Map) error {
	cm := &configMirror{m: mirror}
	return reg.Register(WorkflowName, func(ctx *workflow.Context, raw json.RawMessage) (json.RawMessage, error) {
		return Workflow(ctx, raw, cm)
	})
}

// Workflow is the fleet reconciler's main loop (spec.md §4.F).
func Workflow(ctx *workflow.Context, rawInput json.RawMessage, mirror *configMirror) (json.RawMessage, error) {
	var in Input
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, err
	}

	for {
		name, body, timedOut, err := ctx.ListenWithTimeout(time.Duration(pruneIntervalMS)*time.Millisecond, SignalReconfigure, SignalShutdown)
		if err != nil {
			return nil, err
		}
		if timedOut {
			if _, err := stepPruneExpiredRunners(ctx, in); err != nil {
				return nil, err
			}
			continue
		}
		switch name {
		case SignalReconfigure:
			var req reconfigureBody
			_ = json.Unmarshal(body, &req)
			cfg, err := stepReconfigure(ctx, req, mirror)
			if err != nil {
				return nil, err
			}
			if err := ctx.MessagePublish(ConfigChangeTopic, nil, ConfigChangeBody{Epoch: cfg.Epoch, Replicas: cfg.Replicas}); err != nil {
				return nil, err
			}
			if req.AddReplica != nil {
				cfg, err = driveReplicaJoin(ctx, cfg, req.AddReplica.ID, mirror)
				if err != nil {
					return nil, err
				}
				if err := ctx.MessagePublish(ConfigChangeTopic, nil, ConfigChangeBody{Epoch: cfg.Epoch, Replicas: cfg.Replicas}); err != nil {
					return nil, err
				}
			}
		case SignalShutdown:
			out, _ := json.Marshal(struct {
				Stopped bool `json:"stopped"`
			}{Stopped: true})
			return out, nil
		}
	}
}

// stepReconfigure implements spec.md §4.F steps 1-2: read the current
// config, construct the next epoch with the requested replica change
// applied, and write it back in the same transaction the mirror update (if
// any) runs in.
func stepReconfigure(ctx *workflow.Context, req reconfigureBody, mirror *configMirror) (ClusterConfig, error) {
	raw, err := ctx.Step("reconfigure", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		cfg, err := loadConfig(c, tx)
		if err != nil {
			return nil, err
		}
		cfg.Epoch++
		cfg = applyReconfigure(cfg, req)
		b, _ := json.Marshal(cfg)
		tx.Set(c, kv.ClusterConfigKey(), b)
		mirror.set(c, cfg)
		return b, nil
	})
	if err != nil {
		return ClusterConfig{}, err
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

func applyReconfigure(cfg ClusterConfig, req reconfigureBody) ClusterConfig {
	if req.AddReplica != nil {
		r := *req.AddReplica
		r.Status = ReplicaJoining
		cfg.Replicas = append(cfg.Replicas, r)
	}
	if req.RemoveReplicaID != "" {
		kept := cfg.Replicas[:0]
		for _, r := range cfg.Replicas {
			if r.ID != req.RemoveReplicaID {
				kept = append(kept, r)
			}
		}
		cfg.Replicas = kept
	}
	if req.AckReplicaID != "" {
		for i, r := range cfg.Replicas {
			if r.ID == req.AckReplicaID && r.Status == ReplicaJoining {
				cfg.Replicas[i].Status = ReplicaActive
			}
		}
	}
	return cfg
}

// driveReplicaJoin runs spec.md §4.F step 3 for one newly added replica:
// bulk-copy the keyspace from a stable peer via DownloadActivityName, then
// (on success) apply the joining→active ack as a second, separately
// broadcast config record — reported by MessagePublish's caller, not here,
// so the caller (Workflow) keeps full control of when each broadcast goes
// out relative to the activity.
func driveReplicaJoin(ctx *workflow.Context, cfg ClusterConfig, newReplicaID string, mirror *configMirror) (ClusterConfig, error) {
	source := stableReplicaAddress(cfg, newReplicaID)
	if source == "" {
		// No other replica to copy from yet (first member of a fresh
		// cluster) — nothing to download, go straight to active.
		return stepReconfigure(ctx, reconfigureBody{AckReplicaID: newReplicaID}, mirror)
	}
	if _, err := ctx.Activity(DownloadActivityName, DownloadInput{
		SourceAddress: source,
		Begin:         nil,
		End:           fullKeyspaceEnd,
	}); err != nil {
		return ClusterConfig{}, err
	}
	return stepReconfigure(ctx, reconfigureBody{AckReplicaID: newReplicaID}, mirror)
}

// stableReplicaAddress picks any Active replica other than excludeID to
// source a new replica's bootstrap copy from.
func stableReplicaAddress(cfg ClusterConfig, excludeID string) string {
	for _, r := range cfg.Replicas {
		if r.ID != excludeID && r.Status == ReplicaActive {
			return r.Address
		}
	}
	return ""
}

func loadConfig(ctx context.Context, tx kv.Transaction) (ClusterConfig, error) {
	raw, err := tx.Get(ctx, kv.ClusterConfigKey())
	if err != nil {
		if err == kv.ErrNotFound {
			return ClusterConfig{Epoch: 0}, nil
		}
		return ClusterConfig{}, err
	}
	var cfg ClusterConfig
	if jerr := json.Unmarshal(raw, &cfg); jerr != nil {
		return ClusterConfig{}, jerr
	}
	return cfg, nil
}

// stepPruneExpiredRunners implements spec.md §4.F step 4: scan RunnerAllocIdx
// across every pool this workflow is watching, dropping entries whose
// last_ping_ts is older than PingExpireWindowMS and signaling every actor
// that runner was holding with a Lost StateUpdate so its own lifecycle
// workflow (component E) reschedules it. Unlike the allocator's own
// stale-ping *eligibility* check (which only gates new allocations), this is
// the only place a dead runner's index entry is actually removed.
func stepPruneExpiredRunners(ctx *workflow.Context, in Input) (int, error) {
	now := ctx.Now()
	raw, err := ctx.Step("prune_expired_runners", func(c context.Context, tx kv.Transaction) (json.RawMessage, error) {
		pruned := 0
		for _, pool := range in.Pools {
			candidates, err := scheduler.ScanCandidates(c, tx, pool.Namespace, pool.RunnerSelector, false)
			if err != nil {
				return nil, err
			}
			for _, r := range candidates {
				if r.LastPingTS >= now-PingExpireWindowMS {
					continue
				}
				actorIDs, err := scheduler.ScanAssignedActors(c, tx, r.RunnerID)
				if err != nil {
					return nil, err
				}
				scheduler.ClearRunnerIndex(c, tx, r)
				for _, actorID := range actorIDs {
					bus.PublishSignal(c, tx, actorID, actor.SignalStateUpdate, lostBody, now)
					tx.Clear(c, kv.RunnerActorKey(r.RunnerID, actorID))
				}
				pruned++
			}
		}
		return json.Marshal(pruned)
	})
	if err != nil {
		return 0, err
	}
	var n int
	_ = json.Unmarshal(raw, &n)
	return n, nil
}

var lostBody = mustJSON(struct {
	Status string `json:"status"`
}{Status: actor.StatusLost})

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
