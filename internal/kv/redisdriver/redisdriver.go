// Package redisdriver implements the "local on-disk optimistic KV store"
// backend named in spec.md §6, using Redis WATCH/MULTI/EXEC for the
// commit-or-retry contract. An ordered sorted set (ZADD/ZRANGEBYLEX) tracks
// the keyspace so GetRange can do byte-ordered scans the way the clustered
// FoundationDB-style backend does natively.
//
// Grounded on the teacher's go-redis usage in its Pulse streaming client
// (features/stream/pulse/clients/pulse/client.go) and registry service
// (registry/registry.go), generalized from pub/sub payload storage to a
// general ordered keyspace with optimistic transactions.
package redisdriver

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

const keyspaceZSet = "kv:keyspace"

func valueKey(k []byte) string { return "kv:val:" + string(k) }

// Driver implements kv.Store over a Redis client.
type Driver struct {
	client *redis.Client
}

// New constructs a Driver from an already-configured go-redis client.
func New(client *redis.Client) *Driver {
	return &Driver{client: client}
}

// RunTransaction implements kv.Store. It runs fn against a transaction that
// records every key read and written; on Commit it WATCHes the read keys
// and issues a MULTI/EXEC with the write keys, retrying (by returning a
// *errs.Retryable, which the caller's RunTransaction loop — see
// kv.RunWithRetry — re-invokes) if another client's commit raced it.
func (d *Driver) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx kv.Transaction) error) error {
	return kv.RunWithRetry(ctx, kv.DefaultRetryPolicy, nil, func(ctx context.Context) error {
		tx := &transaction{ctx: ctx, client: d.client, writes: map[string][]byte{}, clears: map[string]bool{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.commit(ctx)
	})
}

// Close releases the underlying Redis client.
func (d *Driver) Close() error { return d.client.Close() }

type clearRange struct{ begin, end []byte }

type transaction struct {
	ctx    context.Context
	client *redis.Client

	readKeys    []string
	writes      map[string][]byte
	clears      map[string]bool
	clearRanges []clearRange
	conflictRng [][2][]byte // extra read-conflict ranges via AddConflictRange(Read)
}

func (t *transaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	t.readKeys = append(t.readKeys, valueKey(key))
	if v, ok := t.writes[string(key)]; ok {
		return v, nil
	}
	if t.clears[string(key)] {
		return nil, kv.ErrNotFound
	}
	v, err := t.client.Get(ctx, valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
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
	t.clearRanges = append(t.clearRanges, clearRange{begin, end})
}

func (t *transaction) AddConflictRange(ctx context.Context, begin, end []byte, kind kv.ConflictKind) {
	t.conflictRng = append(t.conflictRng, [2][]byte{begin, end})
}

func (t *transaction) GetEstimatedRangeSizeBytes(ctx context.Context, begin, end []byte) (int64, error) {
	rows, err := t.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamWantAll})
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
	members, err := t.client.ZRangeByLex(ctx, keyspaceZSet, &redis.ZRangeBy{
		Min: "[" + string(opts.Begin),
		Max: "(" + string(opts.End),
	}).Result()
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	var keys []string
	for _, m := range members {
		if _, ok := set[m]; ok {
			continue
		}
		set[m] = struct{}{}
		keys = append(keys, m)
	}
	// Overlay uncommitted writes/clears from this same transaction.
	for k := range t.writes {
		if k >= string(opts.Begin) && k < string(opts.End) {
			if _, ok := set[k]; !ok {
				keys = append(keys, k)
				set[k] = struct{}{}
			}
		}
	}
	out := make([]kv.KeyValue, 0, len(keys))
	for _, k := range keys {
		if t.clears[k] {
			continue
		}
		var val []byte
		if v, ok := t.writes[k]; ok {
			val = v
		} else {
			v, err := t.client.Get(ctx, valueKey([]byte(k))).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			val = v
		}
		out = append(out, kv.KeyValue{Key: []byte(k), Value: val})
	}
	sortKV(out, opts.Reverse)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func sortKV(rows []kv.KeyValue, reverse bool) {
	less := func(i, j int) bool { return string(rows[i].Key) < string(rows[j].Key) }
	if reverse {
		less = func(i, j int) bool { return string(rows[i].Key) > string(rows[j].Key) }
	}
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

// commit WATCHes every key this transaction read, then issues a pipelined
// MULTI/EXEC applying all writes, clears, and clear-ranges. A dirty watch
// (another commit touched a watched key first) makes EXEC return redis.Nil,
// which is surfaced as a *errs.Retryable so the caller's retry loop
// re-invokes the whole closure.
func (t *transaction) commit(ctx context.Context) error {
	watch := append([]string(nil), t.readKeys...)
	err := t.client.Watch(ctx, func(rtx *redis.Tx) error {
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range t.writes {
				pipe.Set(ctx, valueKey([]byte(k)), v, 0)
				pipe.ZAdd(ctx, keyspaceZSet, redis.Z{Score: 0, Member: k})
			}
			for k := range t.clears {
				pipe.Del(ctx, valueKey([]byte(k)))
				pipe.ZRem(ctx, keyspaceZSet, k)
			}
			for _, cr := range t.clearRanges {
				members, zerr := t.client.ZRangeByLex(ctx, keyspaceZSet, &redis.ZRangeBy{
					Min: "[" + string(cr.begin),
					Max: "(" + string(cr.end),
				}).Result()
				if zerr != nil {
					return zerr
				}
				for _, m := range members {
					pipe.Del(ctx, valueKey([]byte(m)))
					pipe.ZRem(ctx, keyspaceZSet, m)
				}
			}
			return nil
		})
		return err
	}, watch...)
	if errors.Is(err, redis.TxFailedErr) {
		return &errs.Retryable{Err: err}
	}
	return err
}
