// Package memdriver is an in-memory reference implementation of kv.Store,
// used by unit tests across the engine, scheduler, bus, and reconciler
// packages so they can exercise real transaction/conflict-range semantics
// without a Redis or FoundationDB-compatible backend running.
//
// Grounded on the teacher's in-memory engine adapter
// (runtime/agent/engine/inmem/engine.go), which plays the same role for
// workflow engine tests: a fast, dependency-free stand-in for the durable
// backend that still honors the same interface contract.
package memdriver

import (
	"context"
	"sort"
	"sync"

	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// Driver is a single-process, mutex-guarded kv.Store. Conflict detection is
// real: each transaction tracks the keys/ranges it read, and commit fails
// with a retryable error if any of those were written by a transaction that
// committed after this one started.
type Driver struct {
	mu       sync.Mutex
	data     map[string][]byte
	version  uint64
	writtenAt map[string]uint64
}

// New constructs an empty in-memory store.
func New() *Driver {
	return &Driver{data: map[string][]byte{}, writtenAt: map[string]uint64{}}
}

func (d *Driver) Close() error { return nil }

func (d *Driver) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx kv.Transaction) error) error {
	return kv.RunWithRetry(ctx, kv.DefaultRetryPolicy, nil, func(ctx context.Context) error {
		d.mu.Lock()
		startVersion := d.version
		snapshot := make(map[string][]byte, len(d.data))
		for k, v := range d.data {
			snapshot[k] = v
		}
		d.mu.Unlock()

		tx := &transaction{
			snapshot: snapshot,
			writes:   map[string][]byte{},
			clears:   map[string]bool{},
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return d.commit(startVersion, tx)
	})
}

func (d *Driver) commit(startVersion uint64, tx *transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rk := range tx.readKeys {
		if at, ok := d.writtenAt[rk]; ok && at > startVersion {
			return &errs.Retryable{Err: conflictErr{key: rk}}
		}
	}
	for _, rng := range tx.readRanges {
		for k, at := range d.writtenAt {
			if at > startVersion && k >= string(rng[0]) && k < string(rng[1]) {
				return &errs.Retryable{Err: conflictErr{key: k}}
			}
		}
	}

	d.version++
	for _, cr := range tx.clearRanges {
		for k := range d.data {
			if k >= string(cr[0]) && k < string(cr[1]) {
				delete(d.data, k)
				d.writtenAt[k] = d.version
			}
		}
	}
	for k := range tx.clears {
		delete(d.data, k)
		d.writtenAt[k] = d.version
	}
	for k, v := range tx.writes {
		d.data[k] = v
		d.writtenAt[k] = d.version
	}
	return nil
}

type conflictErr struct{ key string }

func (e conflictErr) Error() string { return "memdriver: conflicting write on key " + e.key }

type transaction struct {
	snapshot map[string][]byte

	readKeys   []string
	readRanges [][2][]byte

	writes      map[string][]byte
	clears      map[string]bool
	clearRanges [][2][]byte
}

func (t *transaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	t.readKeys = append(t.readKeys, string(key))
	if v, ok := t.writes[string(key)]; ok {
		return v, nil
	}
	if t.clears[string(key)] {
		return nil, kv.ErrNotFound
	}
	if v, ok := t.snapshot[string(key)]; ok {
		return v, nil
	}
	return nil, kv.ErrNotFound
}

func (t *transaction) Set(ctx context.Context, key, value []byte) {
	delete(t.clears, string(key))
	t.writes[string(key)] = append([]byte(nil), value...)
}

func (t *transaction) Clear(ctx context.Context, key []byte) {
	delete(t.writes, string(key))
	t.clears[string(key)] = true
}

func (t *transaction) ClearRange(ctx context.Context, begin, end []byte) {
	t.clearRanges = append(t.clearRanges, [2][]byte{begin, end})
}

func (t *transaction) AddConflictRange(ctx context.Context, begin, end []byte, kind kv.ConflictKind) {
	t.readRanges = append(t.readRanges, [2][]byte{begin, end})
}

func (t *transaction) GetEstimatedRangeSizeBytes(ctx context.Context, begin, end []byte) (int64, error) {
	rows, err := t.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range rows {
		total += int64(len(r.Key) + len(r.Value))
	}
	return total, nil
}

func (t *transaction) GetRange(ctx context.Context, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	t.readRanges = append(t.readRanges, [2][]byte{opts.Begin, opts.End})

	merged := map[string][]byte{}
	for k, v := range t.snapshot {
		if k >= string(opts.Begin) && k < string(opts.End) {
			merged[k] = v
		}
	}
	for k, v := range t.writes {
		if k >= string(opts.Begin) && k < string(opts.End) {
			merged[k] = v
		}
	}
	for k := range t.clears {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]kv.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv.KeyValue{Key: []byte(k), Value: merged[k]})
	}
	return out, nil
}
