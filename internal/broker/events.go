package broker

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// EventKind classifies what the broker reports to the application layer
type EventKind byte

const (
	EventClientConnected EventKind = iota + 1
	EventClientDisconnected
	EventPublished
	// EventDeliveryExhausted: a HIGH QoS forward to Client ran out of retries. Other subscribers are unaffected.
	EventDeliveryExhausted
)

var eventKindNames = map[EventKind]string{
	EventClientConnected:    "CLIENT_CONNECTED",
	EventClientDisconnected: "CLIENT_DISCONNECTED",
	EventPublished:          "PUBLISHED",
	EventDeliveryExhausted:  "DELIVERY_EXHAUSTED",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", byte(k))
}

// DisconnectReason explains a transition to DISCONNECTED
type DisconnectReason byte

const (
	ReasonNone DisconnectReason = iota
	ReasonRequested
	ReasonTimeout
	ReasonLinkLost
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonTimeout:
		return "liveness timeout"
	case ReasonLinkLost:
		return "link lost"
	default:
		return "none"
	}
}

// Event is a flat record so that sinks (journal, archive, bridge) can store it as is.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Client wire.ClientID // connecting/disconnecting client, publisher, or failed subscriber
	Topic  wire.Topic
	Value  uint16
	QoS    wire.QoS
	MsgID  uint16
	Reason DisconnectReason
}

func (e Event) String() string {
	switch e.Kind {
	case EventClientDisconnected:
		return fmt.Sprintf("%s client=%d reason=%s", e.Kind, e.Client, e.Reason)
	case EventPublished:
		return fmt.Sprintf("%s client=%d topic=%d value=%d qos=%s", e.Kind, e.Client, e.Topic, e.Value, e.QoS)
	case EventDeliveryExhausted:
		return fmt.Sprintf("%s client=%d topic=%d msg_id=%d", e.Kind, e.Client, e.Topic, e.MsgID)
	default:
		return fmt.Sprintf("%s client=%d", e.Kind, e.Client)
	}
}
