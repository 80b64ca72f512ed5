package scheduler

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// RateLimiter enforces spec.md §4.D's per-IP token bucket in two tiers,
// grounded on the teacher's AdaptiveRateLimiter
// (features/model/middleware/ratelimit.go): a process-local x/time/rate
// limiter rejects a request that is clearly over budget without touching the
// KV store, and every request it admits is then checked against the durable
// fixed-window bucket ((rate_key, ip, bucket_ts) -> count), so the shared
// store is consulted once per locally admitted request.
type RateLimiter struct {
	store          kv.Store
	bucketDuration time.Duration
	limit          int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter allowing up to limit requests per
// (rateKey, ip) per bucketDuration window.
func NewRateLimiter(store kv.Store, limit int, bucketDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		store:          store,
		bucketDuration: bucketDuration,
		limit:          limit,
		local:          make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) localLimiter(rateKey, ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := rateKey + "\x00" + ip
	lim, ok := l.local[key]
	if !ok {
		perSecond := float64(l.limit) / l.bucketDuration.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), l.limit)
		l.local[key] = lim
	}
	return lim
}

// Allow reports whether a request from ip against rateKey is within budget,
// per spec.md §4.D: "requests that would exceed count return 'not valid'
// without mutating state." The local x/time/rate limiter rejects the
// obvious-overage case without a KV round trip; a request the local limiter
// would admit is still checked against the durable per-bucket counter so
// multiple process instances behind the same rate key share one budget.
func (l *RateLimiter) Allow(ctx context.Context, rateKey, ip string, now int64) (bool, error) {
	if !l.localLimiter(rateKey, ip).AllowN(time.UnixMilli(now), 1) {
		return false, nil
	}
	return l.allowDurable(ctx, rateKey, ip, now)
}

func (l *RateLimiter) allowDurable(ctx context.Context, rateKey, ip string, now int64) (bool, error) {
	bucketMS := l.bucketDuration.Milliseconds()
	bucketTS := (now / bucketMS) * bucketMS

	var allowed bool
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		key := kv.RateBucketKey(rateKey, ip, bucketTS)
		count, err := readCount(ctx, tx, key)
		if err != nil {
			return err
		}
		if count >= l.limit {
			allowed = false
			return nil
		}
		allowed = true
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(count+1))
		tx.Set(ctx, key, b[:])
		return nil
	})
	return allowed, err
}

func readCount(ctx context.Context, tx kv.Transaction, key []byte) (int, error) {
	v, err := tx.Get(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint64(v)), nil
}
