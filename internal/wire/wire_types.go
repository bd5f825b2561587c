// Package wire defines the fixed-size records exchanged between sensor nodes and the broker
package wire

import "fmt"

// MsgType is the discriminant carried as the first byte of every record
type MsgType byte

// Record type tags. SUBSCRIBE, PUBLISH and CONNECT keep the values used by the deployed motes.
const (
	SUBSCRIBE   MsgType = 7
	PUBLISH     MsgType = 8
	CONNECT     MsgType = 9
	CONNACK     MsgType = 10
	SUBACK      MsgType = 11
	PUBACK      MsgType = 12
	UNSUBSCRIBE MsgType = 13
	UNSUBACK    MsgType = 14
	DISCONNECT  MsgType = 15
	DATA        MsgType = 16 // broker -> subscriber forward
	DATAACK     MsgType = 17
	PINGREQ     MsgType = 18
	PINGRESP    MsgType = 19
)

// MsgTypeMap maps every known tag to its name
var MsgTypeMap = map[MsgType]string{
	SUBSCRIBE:   "SUBSCRIBE",
	PUBLISH:     "PUBLISH",
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	SUBACK:      "SUBACK",
	PUBACK:      "PUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	DISCONNECT:  "DISCONNECT",
	DATA:        "DATA",
	DATAACK:     "DATAACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
}

func (msgType MsgType) String() string {
	if name, ok := MsgTypeMap[msgType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(msgType))
}

// recordSizes is the exact on-air length of each record, tag included
var recordSizes = map[MsgType]int{
	SUBSCRIBE:   5,
	PUBLISH:     8,
	CONNECT:     1,
	CONNACK:     2,
	SUBACK:      4,
	PUBACK:      3,
	UNSUBSCRIBE: 4,
	UNSUBACK:    3,
	DISCONNECT:  1,
	DATA:        8,
	DATAACK:     3,
	PINGREQ:     1,
	PINGRESP:    1,
}

// Size returns the fixed record length for t, or 0 when t is not a known tag
func Size(t MsgType) int {
	return recordSizes[t]
}

// ClientID indexes a node in 0..MaxClients-1
type ClientID uint8

// Broker returns the reserved index of the broker in a network of maxClients nodes
func Broker(maxClients int) ClientID {
	return ClientID(maxClients)
}

// QoS is the delivery guarantee of a subscription or publication
type QoS uint8

const (
	QoSLow  QoS = 0 // at most once
	QoSHigh QoS = 1 // at least once, acknowledged and retried
)

func (q QoS) String() string {
	switch q {
	case QoSLow:
		return "LOW"
	case QoSHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("QoS(%d)", byte(q))
	}
}

// Valid reports whether q is LOW or HIGH
func (q QoS) Valid() bool {
	return q == QoSLow || q == QoSHigh
}

// Topic indexes the configured topic set
type Topic uint8

// Topics shipped with the default configuration
const (
	Temperature Topic = iota
	Humidity
	Luminosity
)

// DefaultTopics lists the names of the default topic set in index order
var DefaultTopics = []string{"TEMPERATURE", "HUMIDITY", "LUMINOSITY"}

// ConnectCode is the result carried by CONNACK
type ConnectCode byte

const (
	Accepted ConnectCode = iota
	ServerUnavailable
	IdentifierRejected
)
