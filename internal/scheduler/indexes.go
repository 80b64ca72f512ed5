// Package scheduler implements the resource-aware actor allocator (spec.md
// §4.D, component D): bin-packing/spread placement against the
// RunnerAllocIdx secondary index, a pending-actor FIFO queue for
// backpressure when no runner has capacity, and per-IP rate limiting.
//
// Every mutation here runs inside the caller's own KV transaction (via
// internal/workflow's Context.Step), so an allocation decision commits
// atomically with whatever workflow state change triggered it — there is no
// separate "scheduler service" to keep in sync.
package scheduler

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/formalkey"
)

const millislotsPerSlot = 1000

// runnerAllocIdxTypes describes RunnerAllocIdxKey's packed tuple
// (discriminator, ns, runner_name, version, remaining_millislots,
// last_ping_ts, runner_id) for formalkey.Unpack.
var runnerAllocIdxTypes = []any{"", "", "", uint64(0), uint64(0), int64(0), uuid.UUID{}}

// RunnerIndexValue is the value stored alongside each RunnerAllocIdx key
// (spec.md §3 "Allocation indexes").
type RunnerIndexValue struct {
	RunnerWorkflowID uuid.UUID `json:"workflow_id"`
	RemainingSlots   uint64    `json:"remaining_slots"`
	TotalSlots       uint64    `json:"total_slots"`
}

// RunnerIndexEntry is one fully-decoded RunnerAllocIdx row: its key fields
// plus its value.
type RunnerIndexEntry struct {
	Namespace  string
	RunnerName string
	Version    uint64
	LastPingTS int64
	RunnerID   uuid.UUID
	RunnerIndexValue
}

// PutRunnerIndex writes (or rewrites) a runner's alloc-index entry and
// mirrors RemainingSlots into RunnerRemainingSlotsKey, per spec.md §3's
// invariant that secondary indexes stay consistent with the primary record
// within the same transaction.
func PutRunnerIndex(ctx context.Context, tx kv.Transaction, e RunnerIndexEntry) error {
	key := kv.RunnerAllocIdxKey(e.Namespace, e.RunnerName, e.Version, e.RemainingSlots*millislotsPerSlot, e.LastPingTS, e.RunnerID)
	val, err := json.Marshal(e.RunnerIndexValue)
	if err != nil {
		return err
	}
	tx.Set(ctx, key, val)

	var slotBuf [8]byte
	binary.BigEndian.PutUint64(slotBuf[:], e.RemainingSlots)
	tx.Set(ctx, kv.RunnerRemainingSlotsKey(e.RunnerID), slotBuf[:])
	return nil
}

// ClearRunnerIndex removes a runner's previous alloc-index key, used before
// PutRunnerIndex rewrites it at a new remaining-slots position (the key
// embeds remaining_millislots, so any slot change requires a clear+rewrite
// rather than an in-place update).
func ClearRunnerIndex(ctx context.Context, tx kv.Transaction, e RunnerIndexEntry) {
	key := kv.RunnerAllocIdxKey(e.Namespace, e.RunnerName, e.Version, e.RemainingSlots*millislotsPerSlot, e.LastPingTS, e.RunnerID)
	tx.Clear(ctx, key)
}

// RemainingSlots reads a runner's cached remaining-slots mirror.
func RemainingSlots(ctx context.Context, tx kv.Transaction, runnerID uuid.UUID) (uint64, error) {
	v, err := tx.Get(ctx, kv.RunnerRemainingSlotsKey(runnerID))
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// ScanCandidates returns every RunnerAllocIdx entry for (ns, runnerName),
// ordered highest-version-first then by remaining_millislots ascending
// (bin-packing: most-loaded first) or descending (spread: least-loaded
// first), per spec.md §4.D step 2. The caller
// walks the result in order and stops at the first acceptable candidate —
// ScanCandidates itself applies no eligibility filtering.
func ScanCandidates(ctx context.Context, tx kv.Transaction, ns, runnerName string, spread bool) ([]RunnerIndexEntry, error) {
	begin, end := kv.RunnerAllocIdxSubspace(ns, runnerName)
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
	if err != nil {
		return nil, err
	}
	entries := make([]RunnerIndexEntry, 0, len(rows))
	for _, row := range rows {
		e, err := decodeRunnerIndexRow(row.Key, row.Value)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sortCandidates(entries, spread)
	return entries, nil
}

func decodeRunnerIndexRow(key, value []byte) (RunnerIndexEntry, error) {
	tup, err := formalkey.Unpack(key, runnerAllocIdxTypes)
	if err != nil {
		return RunnerIndexEntry{}, err
	}
	var v RunnerIndexValue
	if err := json.Unmarshal(value, &v); err != nil {
		return RunnerIndexEntry{}, err
	}
	return RunnerIndexEntry{
		Namespace:        tup[1].(string),
		RunnerName:       tup[2].(string),
		Version:          tup[3].(uint64),
		LastPingTS:       tup[5].(int64),
		RunnerID:         tup[6].(uuid.UUID),
		RunnerIndexValue: v,
	}, nil
}

// sortCandidates orders entries highest-version-first, then by
// remaining_slots ascending (bin-packing) or descending (spread), tie-broken
// by last_ping_ts (more recent first) then runner_id lexicographic — the
// full order spec.md §4.D describes. Sorting explicitly here (rather than
// relying solely on GetRange's Reverse flag) keeps the tie-break correct
// regardless of scan direction, since reversing the whole key also reverses
// last_ping_ts and runner_id, which spec.md orders the opposite way from
// remaining_millislots.
func sortCandidates(entries []RunnerIndexEntry, spread bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		if a.RemainingSlots != b.RemainingSlots {
			if spread {
				return a.RemainingSlots > b.RemainingSlots
			}
			return a.RemainingSlots < b.RemainingSlots
		}
		if a.LastPingTS != b.LastPingTS {
			return a.LastPingTS > b.LastPingTS
		}
		return a.RunnerID.String() < b.RunnerID.String()
	})
}
