package bus

import (
	"encoding/json"

	"github.com/google/uuid"
)

// signalWire is the JSON-on-the-wire shape for a Signal row's value. It
// repeats CreateTS/SignalID, which the key also carries (see kv.SignalKey),
// so decodeSignal can rebuild a whole Signal from the value alone.
type signalWire struct {
	SignalID   uuid.UUID         `json:"signal_id"`
	SignalName string            `json:"signal_name"`
	Body       []byte            `json:"body"`
	CreateTS   int64             `json:"create_ts"`
	TargetWF   *uuid.UUID        `json:"target_workflow_id,omitempty"`
	TargetTags map[string]string `json:"target_tags,omitempty"`
}

func encodeSignal(s Signal) []byte {
	w := signalWire{
		SignalID:   s.SignalID,
		SignalName: s.SignalName,
		Body:       s.Body,
		CreateTS:   s.CreateTS,
		TargetWF:   s.TargetWF,
		TargetTags: s.TargetTags,
	}
	b, _ := json.Marshal(w)
	return b
}

func decodeSignal(b []byte) (Signal, error) {
	var w signalWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Signal{}, err
	}
	return Signal{
		SignalID:   w.SignalID,
		SignalName: w.SignalName,
		Body:       w.Body,
		CreateTS:   w.CreateTS,
		TargetWF:   w.TargetWF,
		TargetTags: w.TargetTags,
	}, nil
}
