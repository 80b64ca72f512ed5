// Package kv is the transactional, ordered key-value substrate (spec.md
// §4.A, component A). It defines the Store/Transaction contract every driver
// implements (memdriver, in process, and redisdriver, a Redis-backed
// optimistic backend; no clustered FoundationDB-style driver is included)
// and the commit-or-retry loop every
// other component builds its transactions on top of.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/telemetry"
)

// ConflictKind distinguishes a read conflict range from a write conflict
// range (spec.md §4.A AddConflictRange).
type ConflictKind int

const (
	ConflictRead ConflictKind = iota
	ConflictWrite
)

// StreamingMode hints how eagerly GetRange should fetch rows; drivers that
// don't support streaming simply ignore it and return everything up to
// Limit.
type StreamingMode int

const (
	StreamWantAll StreamingMode = iota
	StreamIterator
	StreamSmall
)

// KeyValue is one row returned from a range scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions configures GetRange (spec.md §4.A).
type RangeOptions struct {
	Begin, End    []byte
	Limit         int
	Reverse       bool
	StreamingMode StreamingMode
}

// Transaction is the handle passed into a RunTransaction closure. All
// methods observe and mutate the transaction's in-flight, uncommitted
// state; nothing is durable or visible to other transactions until Commit
// succeeds.
type Transaction interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte)
	Clear(ctx context.Context, key []byte)
	ClearRange(ctx context.Context, begin, end []byte)
	GetRange(ctx context.Context, opts RangeOptions) ([]KeyValue, error)
	AddConflictRange(ctx context.Context, begin, end []byte, kind ConflictKind)
	GetEstimatedRangeSizeBytes(ctx context.Context, begin, end []byte) (int64, error)
}

// Store is the driver contract: constructs transactions and retries them on
// conflict per spec.md §4.A's commit-or-retry error model.
type Store interface {
	// RunTransaction invokes fn with a fresh Transaction, committing on
	// success. If the commit (or fn itself) returns a retryable error, the
	// closure is re-invoked with a new Transaction. fn must therefore be
	// idempotent with respect to any side effects observable outside the
	// transaction — all observable work (sending a signal over the wire,
	// logging) must happen only after RunTransaction returns successfully.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
	Close() error
}

// RetryPolicy bounds how many times RunTransaction retries a conflicting
// transaction before giving up and returning a "retry budget exhausted"
// error that carries the last error's message.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the teacher's activity backoff shape: a handful
// of quick attempts before surfacing the conflict to the caller.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 10,
	BaseDelay:   2 * time.Millisecond,
	MaxDelay:    100 * time.Millisecond,
}

// RunWithRetry is a helper drivers use to implement Store.RunTransaction: it
// retries fn according to policy whenever fn returns a *errs.Retryable,
// backing off exponentially between attempts, and logs each retry.
func RunWithRetry(ctx context.Context, policy RetryPolicy, logger telemetry.Logger, fn func(ctx context.Context) error) error {
	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return err
		}
		lastErr = err
		if logger != nil {
			logger.Debug(ctx, "kv transaction conflict, retrying", "attempt", attempt, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return errors.New("kv: retry budget exhausted: " + lastErr.Error())
}

// ErrNotFound is returned by Get when the key does not exist. Callers that
// treat absence as a valid state (lease keys, optional fields) should check
// for this with errors.Is rather than treating any error as fatal.
var ErrNotFound = errors.New("kv: key not found")
