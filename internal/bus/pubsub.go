package bus

import (
	"context"
	"encoding/json"
	"sync"

	clientspulse "goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// TraceEntry is one hop in a message's trace stack (spec.md §4.B), used to
// correlate a workflow-to-workflow RPC request with its response.
type TraceEntry struct {
	RequestID string `json:"request_id"`
	RayID     string `json:"ray_id"`
}

// Envelope is the payload handed to every pub/sub subscriber.
type Envelope struct {
	Topic string          `json:"topic"`
	Tags  map[string]string `json:"tags"`
	Body  []byte          `json:"body"`
	Trace []TraceEntry    `json:"trace,omitempty"`
}

// Broadcaster is the ephemeral fanout contract from spec.md §4.B: every
// published message is delivered to every live subscriber whose tag
// selector matches, in arrival order per subscription, at-most-once.
// Subscriptions auto-close when the context is canceled.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns a channel of envelopes matching (topic, tags). If
	// requestID is non-empty, only envelopes whose Trace contains an entry
	// with that RequestID are delivered (request/response correlation).
	Subscribe(ctx context.Context, topic string, tags map[string]string, requestID string) (<-chan Envelope, error)
}

// matchesTags reports whether an envelope's tags satisfy a subscriber's
// selector: every key the subscriber asked for must be present with the
// same value (subscriber tags ⊆ envelope tags).
func matchesTags(selector, envTags map[string]string) bool {
	for k, v := range selector {
		if envTags[k] != v {
			return false
		}
	}
	return true
}

func matchesTrace(requestID string, trace []TraceEntry) bool {
	if requestID == "" {
		return true
	}
	for _, e := range trace {
		if e.RequestID == requestID {
			return true
		}
	}
	return false
}

// --- In-memory Broadcaster, used by unit tests and as a single-process fallback ---

type memBroadcaster struct {
	mu   sync.Mutex
	subs map[int]*memSub
	next int
}

type memSub struct {
	topic     string
	tags      map[string]string
	requestID string
	ch        chan Envelope
}

// NewMemBroadcaster constructs an in-process Broadcaster with no external
// dependency, used for tests and single-process deployments.
func NewMemBroadcaster() Broadcaster {
	return &memBroadcaster{subs: map[int]*memSub{}}
}

func (b *memBroadcaster) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	var targets []*memSub
	for _, s := range b.subs {
		if s.topic == env.Topic && matchesTags(s.tags, env.Tags) && matchesTrace(s.requestID, env.Trace) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- env:
		default:
			// At-most-once delivery: a full channel means the subscriber is
			// behind, and we drop rather than block the publisher.
		}
	}
	return nil
}

func (b *memBroadcaster) Subscribe(ctx context.Context, topic string, tags map[string]string, requestID string) (<-chan Envelope, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &memSub{topic: topic, tags: tags, requestID: requestID, ch: make(chan Envelope, 64)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// --- Pulse-backed Broadcaster, used in production deployments ---

// PulseBroadcaster implements Broadcaster over goa.design/pulse streaming,
// the same Redis-backed streaming primitive the teacher uses for its agent
// event fanout (features/stream/pulse/subscriber.go), generalized here from
// decoding a fixed agent-event envelope to decoding the generic Envelope
// type with tag/trace filtering applied client-side after each read.
type PulseBroadcaster struct {
	stream *clientspulse.Stream
	sink   string
}

// NewPulseBroadcaster wraps an already-opened Pulse stream. sinkName
// identifies the consumer group new Subscribe calls join.
func NewPulseBroadcaster(stream *clientspulse.Stream, sinkName string) *PulseBroadcaster {
	return &PulseBroadcaster{stream: stream, sink: sinkName}
}

func (b *PulseBroadcaster) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = b.stream.Add(ctx, env.Topic, payload)
	return err
}

func (b *PulseBroadcaster) Subscribe(ctx context.Context, topic string, tags map[string]string, requestID string) (<-chan Envelope, error) {
	sink, err := b.stream.NewSink(ctx, b.sink, streamopts.WithSinkBlockDuration(0))
	if err != nil {
		return nil, err
	}
	out := make(chan Envelope, 64)
	ch := sink.Subscribe()
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(ev.Payload, &env); err != nil {
					continue
				}
				if env.Topic != topic || !matchesTags(tags, env.Tags) || !matchesTrace(requestID, env.Trace) {
					sink.Ack(ctx, ev)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					sink.Ack(ctx, ev)
					return
				}
				sink.Ack(ctx, ev)
			}
		}
	}()
	return out, nil
}
