// Package bus implements the signal/message substrate (spec.md §4.B,
// component B): durable per-workflow/per-tag signals, a durable
// tail-of-log per topic with TTL, and ephemeral pub/sub fanout with
// trace-based filtering.
package bus

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// Signal is a durable, one-shot message directed at a single workflow or at
// any workflow whose tags are a superset of the signal's tags (spec.md §3).
type Signal struct {
	SignalID    uuid.UUID
	SignalName  string
	Body        []byte
	CreateTS    int64
	TargetWF    *uuid.UUID
	TargetTags  map[string]string
}

// PublishSignal inserts a direct-to-workflow signal row in the same KV
// transaction tx belongs to, per spec.md §4.B. Callers invoke this from
// inside a workflow's own RunTransaction (e.g. a runner sending StartActor
// to an actor workflow) so the signal and whatever produced it commit
// atomically.
func PublishSignal(ctx context.Context, tx kv.Transaction, target uuid.UUID, signalName string, body []byte, createTS int64) uuid.UUID {
	id := uuid.New()
	rec := encodeSignal(Signal{SignalID: id, SignalName: signalName, Body: body, CreateTS: createTS, TargetWF: &target})
	tx.Set(ctx, kv.SignalKey(createTS, id), rec)
	return id
}

// PublishTaggedSignal inserts a tag-targeted signal row: any workflow whose
// tags are a superset of tags is eligible to receive it.
func PublishTaggedSignal(ctx context.Context, tx kv.Transaction, tags map[string]string, signalName string, body []byte, createTS int64) uuid.UUID {
	id := uuid.New()
	rec := encodeSignal(Signal{SignalID: id, SignalName: signalName, Body: body, CreateTS: createTS, TargetTags: tags})
	tx.Set(ctx, kv.SignalKey(createTS, id), rec)
	return id
}

// PullNextSignal implements spec.md §4.B's atomic pull: select the oldest
// signal (by create_ts, tie-broken by signal_id) matching namesFilter whose
// target is workflowID directly or whose TargetTags ⊆ workflowTags, then
// delete it. Returns (nil, false) if nothing matches — callers must not
// mutate anything in that case.
//
// The caller is responsible for writing the corresponding signal_receive
// history event at the current location in the same transaction (component
// C owns history; this function only owns signal selection/consumption).
func PullNextSignal(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, workflowTags map[string]string, namesFilter map[string]bool) (*Signal, bool, error) {
	begin, end := kv.SignalSubspace()
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
	if err != nil {
		return nil, false, err
	}
	var candidates []Signal
	for _, row := range rows {
		sig, err := decodeSignal(row.Value)
		if err != nil {
			continue
		}
		if namesFilter != nil && !namesFilter[sig.SignalName] {
			continue
		}
		if sig.TargetWF != nil {
			if *sig.TargetWF != workflowID {
				continue
			}
		} else if !tagsSubset(sig.TargetTags, workflowTags) {
			continue
		}
		candidates = append(candidates, sig)
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreateTS != candidates[j].CreateTS {
			return candidates[i].CreateTS < candidates[j].CreateTS
		}
		return candidates[i].SignalID.String() < candidates[j].SignalID.String()
	})
	chosen := candidates[0]
	tx.Clear(ctx, kv.SignalKey(chosen.CreateTS, chosen.SignalID))
	return &chosen, true, nil
}

// HasMatchingSignal reports whether any pending signal currently targets
// workflowID (directly or via tag superset), without consuming it. The
// engine's pull_workflows scan uses this to evaluate a workflow's wake
// predicate without mutating the signal subspace.
func HasMatchingSignal(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, workflowTags map[string]string, namesFilter map[string]bool) (bool, error) {
	begin, end := kv.SignalSubspace()
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		sig, err := decodeSignal(row.Value)
		if err != nil {
			continue
		}
		if namesFilter != nil && !namesFilter[sig.SignalName] {
			continue
		}
		if sig.TargetWF != nil {
			if *sig.TargetWF == workflowID {
				return true, nil
			}
			continue
		}
		if tagsSubset(sig.TargetTags, workflowTags) {
			return true, nil
		}
	}
	return false, nil
}

// tagsSubset reports whether every key/value in sub also appears in super,
// i.e. sub ⊆ super (spec.md §3: a tagged signal targets any workflow whose
// tags are a superset of the signal's tags).
func tagsSubset(sub, super map[string]string) bool {
	for k, v := range sub {
		if super[k] != v {
			return false
		}
	}
	return true
}
