package workflow

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// EventKind discriminates the history row kinds named in spec.md §3.
type EventKind string

const (
	EventActivity      EventKind = "activity"
	EventSignalReceive EventKind = "signal_receive"
	EventSignalSend    EventKind = "signal_send"
	EventMessageSend   EventKind = "message_send"
	EventSubWorkflow   EventKind = "sub_workflow"
	EventSleep         EventKind = "sleep"
	EventLoop          EventKind = "loop"
	EventJoin          EventKind = "join"
	EventSelect        EventKind = "select"
)

// Event is one append-only history row: the recorded outcome of a single
// non-deterministic step, keyed by its Location. Input/Output are opaque
// JSON so the engine never needs to know a workflow's domain types. Location
// is carried inside the wire value (rather than reconstructed by parsing the
// formal key) so a row is self-describing independent of the key encoding.
type Event struct {
	Location   Location        `json:"location"`
	Kind       EventKind       `json:"kind"`
	Name       string          `json:"name,omitempty"`
	InputHash  string          `json:"input_hash,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Err        string          `json:"err,omitempty"`
	Forgotten  bool            `json:"forgotten,omitempty"`
	CreateTS   int64           `json:"create_ts"`
	CompleteTS int64           `json:"complete_ts,omitempty"`
}

// History is a workflow's full recorded event set, indexed by the encoded
// location so the driver can look up "has this step already run" in O(1)
// during replay.
type History struct {
	byLocation map[string]*Event
	ordered    []*Event
}

// LoadHistory reads every history row for workflowID in location order.
func LoadHistory(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID) (*History, error) {
	begin, end := kv.HistoryEventSubspace(workflowID)
	rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end, StreamingMode: kv.StreamIterator})
	if err != nil {
		return nil, err
	}
	h := &History{byLocation: map[string]*Event{}}
	for _, row := range rows {
		var ev Event
		if jerr := json.Unmarshal(row.Value, &ev); jerr != nil {
			return nil, jerr
		}
		h.byLocation[string(ev.Location.Encode())] = &ev
		h.ordered = append(h.ordered, &ev)
	}
	sort.Slice(h.ordered, func(i, j int) bool {
		return string(h.ordered[i].Location.Encode()) < string(h.ordered[j].Location.Encode())
	})
	return h, nil
}

// Get returns the recorded event at loc, if any.
func (h *History) Get(loc Location) (*Event, bool) {
	ev, ok := h.byLocation[string(loc.Encode())]
	return ev, ok
}

// Events returns every recorded event in location order.
func (h *History) Events() []*Event { return h.ordered }

// Record writes the event at ev.Location, replacing any event already
// stored there.
func Record(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, ev *Event) {
	b, _ := json.Marshal(ev)
	tx.Set(ctx, kv.HistoryEventKey(workflowID, ev.Location.Encode()), b)
}

// ErrorCount reads the per-location retry counter used by the Activity
// operation's backoff schedule (spec.md §3 "error_count sidecar").
func ErrorCount(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, loc Location) (int, error) {
	v, err := tx.Get(ctx, kv.HistoryErrorCountKey(workflowID, loc.Encode()))
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(v) != 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(v)), nil
}

// IncrementErrorCount persists count as the new error_count for loc.
func IncrementErrorCount(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, loc Location, count int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(count))
	tx.Set(ctx, kv.HistoryErrorCountKey(workflowID, loc.Encode()), b[:])
}

// ClearErrorCount removes the sidecar once an activity finally succeeds.
func ClearErrorCount(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, loc Location) {
	tx.Clear(ctx, kv.HistoryErrorCountKey(workflowID, loc.Encode()))
}
