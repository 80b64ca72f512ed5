package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// PingEligibleWindowMS bounds how stale a runner's last ping may be and
// still be considered for allocation (spec.md §4.D step 3).
const PingEligibleWindowMS = 10_000

// PoolPolicy configures a runner pool's placement behavior (spec.md §4.D
// "Bin-packing vs. spread") and its rolling-update affinity behavior
// (SPEC_FULL's "Runner version affinity tie-break" supplement, grounded on
// original_source/packages/edge/services/pegboard's scan short-circuit).
type PoolPolicy struct {
	// Spread orders candidates least-loaded first (most remaining slots)
	// instead of the default bin-packing order (most-loaded first).
	Spread bool
	// CrossVersionFallback allows falling through to a lower-version tier
	// once the highest-version tier is exhausted, instead of stopping the
	// scan and enqueueing. Intended for rolling updates that tolerate mixed
	// versions temporarily.
	CrossVersionFallback bool
}

// AllocationResult is returned by AllocateActor.
type AllocationResult struct {
	RunnerID         uuid.UUID
	RunnerWorkflowID uuid.UUID
	Pending          bool
	PendingTS        int64
}

// AllocateActor implements spec.md §4.D's six-step allocation transaction.
// Callers invoke this from within their own KV transaction (typically via
// internal/workflow's Context.Step, so the decision commits atomically with
// the requesting actor workflow's own state). now is epoch milliseconds.
//
// On success, result.Pending is false and result.RunnerWorkflowID is the
// runner to send StartActor to (the caller does that signal send itself,
// after this transaction commits, per the durable-then-ephemeral discipline
// component B documents for side effects outside the KV store). On a full
// scan with no eligible runner, the actor is enqueued and result.Pending is
// true; the caller then listens for Allocate or Destroy.
func AllocateActor(ctx context.Context, tx kv.Transaction, ns, runnerName string, actorID uuid.UUID, generation uint32, policy PoolPolicy, now int64) (AllocationResult, error) {
	// Step 1: a non-empty queue means new arrivals must not jump ahead of
	// actors already waiting.
	hasPending, err := HasPending(ctx, tx, ns, runnerName)
	if err != nil {
		return AllocationResult{}, err
	}
	if hasPending {
		if err := Enqueue(ctx, tx, ns, runnerName, actorID, generation, now); err != nil {
			return AllocationResult{}, err
		}
		return AllocationResult{Pending: true, PendingTS: now}, nil
	}

	// Step 2-3: scan candidates and pick the first eligible one.
	candidates, err := ScanCandidates(ctx, tx, ns, runnerName, policy.Spread)
	if err != nil {
		return AllocationResult{}, err
	}
	chosen, ok := selectCandidate(candidates, policy, now)
	if !ok {
		if err := Enqueue(ctx, tx, ns, runnerName, actorID, generation, now); err != nil {
			return AllocationResult{}, err
		}
		return AllocationResult{Pending: true, PendingTS: now}, nil
	}

	// Step 4: conflict range on only the selected key, not the whole scan
	// range, so concurrent allocations against different runners don't
	// serialize against each other.
	key := kv.RunnerAllocIdxKey(chosen.Namespace, chosen.RunnerName, chosen.Version, chosen.RemainingSlots*millislotsPerSlot, chosen.LastPingTS, chosen.RunnerID)
	tx.AddConflictRange(ctx, key, append(append([]byte{}, key...), 0x00), kv.ConflictRead)

	// Step 5: clear the old index key, write the new one with one less
	// slot, update the mirrors, and the actor's own assignment rows.
	ClearRunnerIndex(ctx, tx, chosen)
	chosen.RemainingSlots--
	if err := PutRunnerIndex(ctx, tx, chosen); err != nil {
		return AllocationResult{}, err
	}
	tx.Set(ctx, kv.RunnerActorKey(chosen.RunnerID, actorID), nil)
	idBytes, err := json.Marshal(chosen.RunnerID)
	if err != nil {
		return AllocationResult{}, err
	}
	tx.Set(ctx, kv.ActorRunnerIDKey(actorID), idBytes)
	tx.Clear(ctx, kv.ActorSleepTSKey(actorID))

	return AllocationResult{RunnerID: chosen.RunnerID, RunnerWorkflowID: chosen.RunnerWorkflowID}, nil
}

// selectCandidate walks entries (already in scan order) and returns the
// first eligible one per spec.md §4.D step 3: skip stale pings, skip
// exhausted runners, and stop at the version-tier boundary unless
// CrossVersionFallback allows falling through.
func selectCandidate(entries []RunnerIndexEntry, policy PoolPolicy, now int64) (RunnerIndexEntry, bool) {
	var highestVersionSeen uint64
	haveHighest := false

	for _, e := range entries {
		if !haveHighest {
			highestVersionSeen = e.Version
			haveHighest = true
		}
		if e.Version < highestVersionSeen && !policy.CrossVersionFallback {
			// Exhausted the highest-version tier without allocating and
			// cross-version fallback is disabled: stop scanning.
			break
		}
		if e.LastPingTS < now-PingEligibleWindowMS {
			continue
		}
		if e.RemainingSlots == 0 {
			continue
		}
		return e, true
	}
	return RunnerIndexEntry{}, false
}

// DeallocateActor implements spec.md §4.D's deallocation transaction: clears
// the actor's runner assignment, restores one slot, and — unless the caller
// indicates the runner's pool uses single-actor runners and is now fully
// empty — rewrites the alloc index at the incremented slot count. Returns
// whether the runner ended up fully empty, so the caller (the runner
// workflow) can decide whether to exit.
func DeallocateActor(ctx context.Context, tx kv.Transaction, runner RunnerIndexEntry, actorID uuid.UUID, singleActorPool bool) (fullyEmpty bool, err error) {
	key := kv.RunnerAllocIdxKey(runner.Namespace, runner.RunnerName, runner.Version, runner.RemainingSlots*millislotsPerSlot, runner.LastPingTS, runner.RunnerID)
	tx.AddConflictRange(ctx, key, append(append([]byte{}, key...), 0x00), kv.ConflictRead)

	tx.Clear(ctx, kv.RunnerActorKey(runner.RunnerID, actorID))
	tx.Clear(ctx, kv.ActorRunnerIDKey(actorID))
	ClearRunnerIndex(ctx, tx, runner)

	runner.RemainingSlots++
	fullyEmpty = runner.RemainingSlots >= runner.TotalSlots

	if fullyEmpty && singleActorPool {
		return true, nil
	}
	if err := PutRunnerIndex(ctx, tx, runner); err != nil {
		return false, err
	}
	return fullyEmpty, nil
}
