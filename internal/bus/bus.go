package bus

import (
	"context"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/telemetry"
)

// Bus wires the KV-durable signal/tail writes to the ephemeral Broadcaster
// fanout, enforcing spec.md §4.B's concurrency contract: publishes are
// durable-then-ephemeral. The durable write always happens inside the
// caller's KV transaction; Bus.MessagePublish performs the durable write
// and returns a postCommit closure the caller must invoke only after the
// transaction has successfully committed, so a crash between commit and
// fanout just means a subscriber falls back to reading the tail.
type Bus struct {
	store       kv.Store
	broadcaster Broadcaster
	logger      telemetry.Logger
	ttlMs       int64
}

// New constructs a Bus over the given KV store and ephemeral broadcaster.
func New(store kv.Store, broadcaster Broadcaster, ttlMs int64, logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{store: store, broadcaster: broadcaster, ttlMs: ttlMs, logger: logger}
}

// MessagePublish writes the durable tail inside tx and returns a closure
// that performs the ephemeral fanout. Callers must invoke the closure after
// (and only after) their surrounding RunTransaction returns nil.
func (b *Bus) MessagePublish(ctx context.Context, tx kv.Transaction, topic string, tags map[string]string, body []byte, createTS int64, trace []TraceEntry) func(context.Context) {
	PublishTail(ctx, tx, topic, tags, body, createTS)
	return func(ctx context.Context) {
		if b.broadcaster == nil {
			return
		}
		if err := b.broadcaster.Publish(ctx, Envelope{Topic: topic, Tags: tags, Body: body, Trace: trace}); err != nil {
			b.logger.Warn(ctx, "pub/sub fanout failed after durable tail commit", "topic", topic, "error", err.Error())
		}
	}
}

// Subscribe opens an ephemeral subscription for (topic, tags), optionally
// filtered by requestID for RPC correlation (spec.md §4.B).
func (b *Bus) Subscribe(ctx context.Context, topic string, tags map[string]string, requestID string) (<-chan Envelope, error) {
	return b.broadcaster.Subscribe(ctx, topic, tags, requestID)
}

// TailAnchor implements the full tail_anchor contract: if the durable tail
// is already fresher than anchorTS, return it; otherwise subscribe and wait
// for the next live publish on the topic/tags, matching spec.md §4.B and
// scenario S5.
func (b *Bus) TailAnchor(ctx context.Context, topic string, tags map[string]string, anchorTS, now int64) (*TailMessage, error) {
	var msg *TailMessage
	err := b.store.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		m, ok, err := AnchorValid(ctx, tx, topic, tags, anchorTS, now, b.ttlMs)
		if err != nil {
			return err
		}
		if ok {
			msg = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg != nil {
		return msg, nil
	}

	ch, err := b.broadcaster.Subscribe(ctx, topic, tags, "")
	if err != nil {
		return nil, err
	}
	select {
	case env, ok := <-ch:
		if !ok {
			return nil, nil
		}
		return &TailMessage{Topic: topic, Tags: tags, Body: env.Body}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
