// Package journal records broker events to an append-only CBOR file
package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Record is one journaled broker event. CBOR encoding uses integer keys for compactness.
type Record struct {
	Time   time.Time               `cbor:"1,keyasint"`
	RunID  string                  `cbor:"2,keyasint"`
	Kind   broker.EventKind        `cbor:"3,keyasint"`
	Client wire.ClientID           `cbor:"4,keyasint"`
	Topic  wire.Topic              `cbor:"5,keyasint,omitempty"`
	Value  uint16                  `cbor:"6,keyasint,omitempty"`
	QoS    wire.QoS                `cbor:"7,keyasint,omitempty"`
	MsgID  uint16                  `cbor:"8,keyasint,omitempty"`
	Reason broker.DisconnectReason `cbor:"9,keyasint,omitempty"`
}

// NewRunID identifies one broker process lifetime
func NewRunID() string {
	return uuid.New().String()
}

// FromEvent converts a broker event for run runID
func FromEvent(runID string, e broker.Event) Record {
	return Record{
		Time:   e.Time,
		RunID:  runID,
		Kind:   e.Kind,
		Client: e.Client,
		Topic:  e.Topic,
		Value:  e.Value,
		QoS:    e.QoS,
		MsgID:  e.MsgID,
		Reason: e.Reason,
	}
}

// Event converts the record back into a broker event
func (r Record) Event() broker.Event {
	return broker.Event{
		Kind:   r.Kind,
		Time:   r.Time,
		Client: r.Client,
		Topic:  r.Topic,
		Value:  r.Value,
		QoS:    r.QoS,
		MsgID:  r.MsgID,
		Reason: r.Reason,
	}
}
