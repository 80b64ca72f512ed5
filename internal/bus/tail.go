package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// TailMessage is the durable per-(topic, tags) record described in spec.md
// §3 "Message topic tail": only the latest message is kept, with its own
// TTL. Not durable beyond TTL.
type TailMessage struct {
	Topic    string
	Tags     map[string]string
	Body     []byte
	CreateTS int64
}

type tailWire struct {
	Body     []byte            `json:"body"`
	CreateTS int64             `json:"create_ts"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// TagsHash derives the stable hash segment used in MessageTailKey. A map
// iterates in random order in Go, so the hash is computed over sorted
// key=value pairs.
func TagsHash(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sortStrings(keys)
	h := ""
	for _, k := range keys {
		h += k + "=" + tags[k] + ";"
	}
	return h
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// PublishTail writes the durable-then-ephemeral message described in
// spec.md §4.B: the KV write happens first (inside tx, same transaction as
// any other side effect of the publishing operation), and the caller fans
// out ephemerally via a Broadcaster only after the transaction commits —
// see Bus.MessagePublish for the combined operation.
func PublishTail(ctx context.Context, tx kv.Transaction, topic string, tags map[string]string, body []byte, createTS int64) {
	w := tailWire{Body: body, CreateTS: createTS, Tags: tags}
	b, _ := json.Marshal(w)
	tx.Set(ctx, kv.MessageTailKey(topic, TagsHash(tags)), b)
}

// ReadTail implements tail_read: returns the current tail record if fresher
// than ttl, else (nil, false).
func ReadTail(ctx context.Context, tx kv.Transaction, topic string, tags map[string]string, now int64, ttlMs int64) (*TailMessage, bool, error) {
	v, err := tx.Get(ctx, kv.MessageTailKey(topic, TagsHash(tags)))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var w tailWire
	if jerr := json.Unmarshal(v, &w); jerr != nil {
		return nil, false, jerr
	}
	if now-w.CreateTS > ttlMs {
		return nil, false, nil
	}
	return &TailMessage{Topic: topic, Tags: tags, Body: w.Body, CreateTS: w.CreateTS}, true, nil
}

// TailAnchorGrace is ε in spec.md §4.B: anchors stay valid for TTL−ε to
// prevent a race between writer and reader at the edge of the TTL window.
const TailAnchorGrace = 500 * time.Millisecond

// AnchorValid implements tail_anchor's synchronous half: if the current tail
// message is fresher than anchorTS, return it immediately. Otherwise the
// caller must fall through to subscribing via a Broadcaster (bus.go) and
// wait for the next live publish.
func AnchorValid(ctx context.Context, tx kv.Transaction, topic string, tags map[string]string, anchorTS int64, now int64, ttlMs int64) (*TailMessage, bool, error) {
	msg, ok, err := ReadTail(ctx, tx, topic, tags, now, ttlMs-TailAnchorGrace.Milliseconds())
	if err != nil || !ok {
		return nil, false, err
	}
	if msg.CreateTS > anchorTS {
		return msg, true, nil
	}
	return nil, false, nil
}
