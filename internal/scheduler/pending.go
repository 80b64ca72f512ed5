package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/formalkey"
)

var pendingActorTypes = []any{"", "", "", int64(0), uuid.UUID{}}

// PendingEntry is one row in the FIFO pending-allocation queue (spec.md
// §4.D "If scan exhausted without a match").
type PendingEntry struct {
	Namespace  string
	Selector   string
	PendingTS  int64
	ActorID    uuid.UUID
	Generation uint32
}

// HasPending reports whether (ns, selector) already has queued entries —
// spec.md §4.D step 1: a non-empty queue forces new arrivals to enqueue too,
// rather than letting them race ahead of actors already waiting.
func HasPending(ctx context.Context, tx kv.Transaction, ns, selector string) (bool, error) {
	begin, end := kv.PendingActorSubspace(ns, selector)
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Enqueue inserts actorID into the pending queue for (ns, selector),
// returning the pending-allocation token (its pendingTS) the caller records
// on the actor's workflow state.
func Enqueue(ctx context.Context, tx kv.Transaction, ns, selector string, actorID uuid.UUID, generation uint32, now int64) error {
	b, err := json.Marshal(generation)
	if err != nil {
		return err
	}
	tx.Set(ctx, kv.PendingActorKey(ns, selector, now, actorID), b)
	return nil
}

// Dequeue removes a specific pending entry, used both when the actor's
// allocation succeeds and when it is destroyed while still pending
// (spec.md §4.E step 1's race-free cleanup).
func Dequeue(ctx context.Context, tx kv.Transaction, ns, selector string, pendingTS int64, actorID uuid.UUID) {
	tx.Clear(ctx, kv.PendingActorKey(ns, selector, pendingTS, actorID))
}

// TryDequeue removes a pending entry only if it still exists, reporting
// whether it did. The actor workflow's Destroy-while-pending path
// (spec.md §4.E step 1) uses this to distinguish "still queued, safe to
// cancel outright" from "a concurrent AllocatePendingActors already won the
// race" — in the latter case the caller must still drain the inbound
// Allocate signal that dequeue produced, rather than leaving the actor
// workflow in limbo.
func TryDequeue(ctx context.Context, tx kv.Transaction, ns, selector string, pendingTS int64, actorID uuid.UUID) (bool, error) {
	key := kv.PendingActorKey(ns, selector, pendingTS, actorID)
	v, err := tx.Get(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	_ = v
	tx.Clear(ctx, key)
	return true, nil
}

// ScanPending returns up to limit queued entries for (ns, selector) in
// FIFO order (oldest pending_ts first). limit <= 0 means unbounded.
func ScanPending(ctx context.Context, tx kv.Transaction, ns, selector string, limit int) ([]PendingEntry, error) {
	begin, end := kv.PendingActorSubspace(ns, selector)
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, Limit: limit, StreamingMode: kv.StreamIterator})
	if err != nil {
		return nil, err
	}
	entries := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		tup, err := formalkey.Unpack(row.Key, pendingActorTypes)
		if err != nil {
			continue
		}
		var gen uint32
		_ = json.Unmarshal(row.Value, &gen)
		entries = append(entries, PendingEntry{
			Namespace:  tup[1].(string),
			Selector:   tup[2].(string),
			PendingTS:  tup[3].(int64),
			ActorID:    tup[4].(uuid.UUID),
			Generation: gen,
		})
	}
	return entries, nil
}

// AllocatePendingActors implements the runner workflow's capacity-release
// mirror transaction (spec.md §4.D "The runner workflow, when capacity
// becomes available ... runs a mirror transaction that scans the same
// pending subspace, atomically clears matching entries, decrements its
// slots, and dispatches Allocate signals"). It offers runner's available
// slots to the oldest pending actors for (ns, runnerName), returns the set
// of actor ids now allocated to runner (the caller signals each post-commit)
// and updates the runner's own index entry.
func AllocatePendingActors(ctx context.Context, tx kv.Transaction, runner RunnerIndexEntry) ([]uuid.UUID, error) {
	if runner.RemainingSlots == 0 {
		return nil, nil
	}
	pending, err := ScanPending(ctx, tx, runner.Namespace, runner.RunnerName, int(runner.RemainingSlots))
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ClearRunnerIndex(ctx, tx, runner)
	var allocated []uuid.UUID
	for _, p := range pending {
		if runner.RemainingSlots == 0 {
			break
		}
		Dequeue(ctx, tx, p.Namespace, p.Selector, p.PendingTS, p.ActorID)
		tx.Set(ctx, kv.RunnerActorKey(runner.RunnerID, p.ActorID), nil)
		tx.Set(ctx, kv.ActorRunnerIDKey(p.ActorID), mustJSON(runner.RunnerID))
		tx.Clear(ctx, kv.ActorSleepTSKey(p.ActorID))
		runner.RemainingSlots--
		allocated = append(allocated, p.ActorID)
	}
	if err := PutRunnerIndex(ctx, tx, runner); err != nil {
		return nil, err
	}
	return allocated, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

var runnerActorKeyTypes = []any{"", uuid.UUID{}, uuid.UUID{}}

// ActorIDFromRunnerActorKey decodes the actor id out of one row's key from
// kv.RunnerActorSubspace(runnerID) — the reverse index a runner's current
// actors are listed under. Used by callers that need to enumerate a
// runner's actors without already knowing their ids (the runner workflow's
// drain handling, and the reconciler's stale-runner sweep).
func ActorIDFromRunnerActorKey(key []byte) (uuid.UUID, error) {
	tup, err := formalkey.Unpack(key, runnerActorKeyTypes)
	if err != nil {
		return uuid.UUID{}, err
	}
	return tup[2].(uuid.UUID), nil
}

// ScanAssignedActors lists every actor id currently assigned to runnerID.
func ScanAssignedActors(ctx context.Context, tx kv.Transaction, runnerID uuid.UUID) ([]uuid.UUID, error) {
	begin, end := kv.RunnerActorSubspace(runnerID)
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		id, derr := ActorIDFromRunnerActorKey(row.Key)
		if derr == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
