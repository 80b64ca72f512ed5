package kv

import (
	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv/formalkey"
)

// Formal keys for every entity in spec.md §3. Each function packs a tuple
// whose first segment is a short discriminator string, so all entities share
// one flat keyspace without colliding subspaces.

// WorkflowKey packs the primary row key for a Workflow.
func WorkflowKey(workflowID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"wf", workflowID})
}

// WorkflowSubspace bounds every primary Workflow row, used by the engine's
// pull_workflows scan (spec.md §4.C).
func WorkflowSubspace() (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"wf"})
}

// WorkflowLeaseKey packs the lease key whose presence names the worker
// currently holding a workflow. Absence means the workflow is idle.
func WorkflowLeaseKey(workflowID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"wf_lease", workflowID})
}

// WorkflowTagIndexKey packs a secondary index entry used by find(tags, ...):
// (tag_key, tag_value, workflow_id) -> empty, so a tag-equality scan yields
// candidate workflow ids without a full table scan.
func WorkflowTagIndexKey(tagKey, tagValue string, workflowID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"wf_tag", tagKey, tagValue, workflowID})
}

func WorkflowTagIndexSubspace(tagKey, tagValue string) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"wf_tag", tagKey, tagValue})
}

// HistoryEventKey packs a history row, keyed by workflow and location.
// Location is pre-encoded (see internal/workflow/history) into a
// order-preserving byte string so that scanning the per-workflow history
// subspace yields events in location order.
func HistoryEventKey(workflowID uuid.UUID, location []byte) []byte {
	return formalkey.Pack(formalkey.Tuple{"hist", workflowID, string(location)})
}

func HistoryEventSubspace(workflowID uuid.UUID) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"hist", workflowID})
}

// HistoryErrorCountKey packs the error_count sidecar for a location.
func HistoryErrorCountKey(workflowID uuid.UUID, location []byte) []byte {
	return formalkey.Pack(formalkey.Tuple{"hist_errcnt", workflowID, string(location)})
}

// SignalKey packs a durable signal row, ordered by create_ts then signal_id
// so pull_next_signal's oldest-first tie-break is a single forward scan.
func SignalKey(createTS int64, signalID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"sig", createTS, signalID})
}

func SignalSubspace() (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"sig"})
}

// MessageTailKey packs the per-(topic, tags-hash) latest-message row.
func MessageTailKey(topic, tagsHash string) []byte {
	return formalkey.Pack(formalkey.Tuple{"tail", topic, tagsHash})
}

// RunnerAllocIdxKey packs the bin-packing index row from spec.md §3:
// [ns, runner_name, version, remaining_millislots, last_ping_ts, runner_id].
// All fields are encoded ascending; scheduler.ScanCandidates reads the
// (ns, runner_name) subspace with a forward scan and sorts the entries in Go
// into bin-packing or spread order.
func RunnerAllocIdxKey(ns, runnerName string, version uint64, remainingMillislots uint64, lastPingTS int64, runnerID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"ralloc", ns, runnerName, version, remainingMillislots, lastPingTS, runnerID})
}

func RunnerAllocIdxSubspace(ns, runnerName string) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"ralloc", ns, runnerName})
}

// ClientsByRemainingMemKey packs the host-level allocation analogue index.
func ClientsByRemainingMemKey(flavor string, remainingMem uint64, lastPingTS int64, clientID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"cmem", flavor, remainingMem, lastPingTS, clientID})
}

// PendingActorKey packs a FIFO pending-allocation queue entry.
func PendingActorKey(ns, selector string, pendingTS int64, actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"pending", ns, selector, pendingTS, actorID})
}

func PendingActorSubspace(ns, selector string) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"pending", ns, selector})
}

// RunnerActorKey packs the reverse index: what a runner currently holds.
func RunnerActorKey(runnerID, actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"ractor", runnerID, actorID})
}

func RunnerActorSubspace(runnerID uuid.UUID) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"ractor", runnerID})
}

// ActorByEnvKey packs the listing/filter index.
func ActorByEnvKey(envID uuid.UUID, createTS int64, actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"actor_env", envID, createTS, actorID})
}

func ActorByEnvSubspace(envID uuid.UUID) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"actor_env", envID})
}

// ActorKey packs the primary Actor row.
func ActorKey(actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"actor", actorID})
}

// ActorRunnerIDKey packs the actor's current runner assignment, separate
// from the primary row so it can be cleared with a single point delete in
// the deallocation transaction (spec.md §4.D).
func ActorRunnerIDKey(actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"actor_runner", actorID})
}

// ActorSleepTSKey packs the actor's sleep timestamp, cleared on successful
// allocation (spec.md §4.D step 5) and set when a running actor transitions
// to Sleeping (spec.md §4.E step 4).
func ActorSleepTSKey(actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"actor_sleep", actorID})
}

// RunnerKey packs the primary Runner/Client row.
func RunnerKey(runnerID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"runner", runnerID})
}

// RunnerRemainingSlotsKey packs the runner's current remaining_slots,
// updated in the same transaction as RunnerAllocIdxKey so the two never
// diverge (spec.md §3 "Allocation indexes" invariant).
func RunnerRemainingSlotsKey(runnerID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"runner_slots", runnerID})
}

// IngressPortKey packs the routing-layer ingress port index.
func IngressPortKey(protocol string, port uint64, actorID uuid.UUID) []byte {
	return formalkey.Pack(formalkey.Tuple{"ingress", protocol, port, actorID})
}

// ProxiedPortKey packs the per-actor proxied-port routing record.
func ProxiedPortKey(actorID uuid.UUID, portName string) []byte {
	return formalkey.Pack(formalkey.Tuple{"proxied", actorID, portName})
}

func ProxiedPortSubspace(actorID uuid.UUID) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"proxied", actorID})
}

// RateBucketKey packs a token-bucket counter row (spec.md §4.D).
func RateBucketKey(rateKey, ip string, bucketTS int64) []byte {
	return formalkey.Pack(formalkey.Tuple{"ratebucket", rateKey, ip, bucketTS})
}

// ClusterConfigKey packs the singleton epoch/replica configuration record
// (spec.md §3 "Epoch / cluster configuration").
func ClusterConfigKey() []byte {
	return formalkey.Pack(formalkey.Tuple{"cluster_config"})
}

// ChunkKey packs one chunk of a large value split under parentKey.
func ChunkKey(parentKey []byte, chunkIdx uint64) []byte {
	return formalkey.Pack(formalkey.Tuple{"chunk", string(parentKey), chunkIdx})
}

func ChunkSubspace(parentKey []byte) (begin, end []byte) {
	return formalkey.Subspace(formalkey.Tuple{"chunk", string(parentKey)})
}

// DownloadCursorKey packs the resume cursor for one replica-bootstrap
// partition, keyed by the partition's own [begin,end) bounds so a retried
// download activity (spec.md §4.F step 3 "resumable by chunk index") finds
// the same cursor row a prior attempt left behind.
func DownloadCursorKey(partitionBegin, partitionEnd []byte) []byte {
	return formalkey.Pack(formalkey.Tuple{"download_cursor", string(partitionBegin), string(partitionEnd)})
}
