package wire

import "fmt"

// Message is one decoded record
type Message interface {
	fmt.Stringer
	Type() MsgType
}

type Connect struct{}

type ConnAck struct {
	Code ConnectCode
}

type Subscribe struct {
	MsgID uint16
	Topic Topic
	QoS   QoS
}

type SubAck struct {
	MsgID uint16
	QoS   QoS
}

type Publish struct {
	MsgID uint16
	Topic Topic
	Data  uint16
	QoS   QoS
	Dup   bool
}

type PubAck struct {
	MsgID uint16
}

type Unsubscribe struct {
	MsgID uint16
	Topic Topic
}

type UnsubAck struct {
	MsgID uint16
}

type Disconnect struct{}

// Data is a publication forwarded by the broker to one subscriber
type Data struct {
	MsgID uint16
	Topic Topic
	Data  uint16
	QoS   QoS
	Dup   bool
}

type DataAck struct {
	MsgID uint16
}

type PingReq struct{}

type PingResp struct{}

func (*Connect) Type() MsgType     { return CONNECT }
func (*ConnAck) Type() MsgType     { return CONNACK }
func (*Subscribe) Type() MsgType   { return SUBSCRIBE }
func (*SubAck) Type() MsgType      { return SUBACK }
func (*Publish) Type() MsgType     { return PUBLISH }
func (*PubAck) Type() MsgType      { return PUBACK }
func (*Unsubscribe) Type() MsgType { return UNSUBSCRIBE }
func (*UnsubAck) Type() MsgType    { return UNSUBACK }
func (*Disconnect) Type() MsgType  { return DISCONNECT }
func (*Data) Type() MsgType        { return DATA }
func (*DataAck) Type() MsgType     { return DATAACK }
func (*PingReq) Type() MsgType     { return PINGREQ }
func (*PingResp) Type() MsgType    { return PINGRESP }

func (*Connect) String() string { return "CONNECT" }

func (c *ConnAck) String() string { return fmt.Sprintf("CONNACK code=%d", c.Code) }

func (s *Subscribe) String() string {
	return fmt.Sprintf("SUBSCRIBE id=%d topic=%d qos=%s", s.MsgID, s.Topic, s.QoS)
}

func (s *SubAck) String() string { return fmt.Sprintf("SUBACK id=%d qos=%s", s.MsgID, s.QoS) }

func (p *Publish) String() string {
	return fmt.Sprintf("PUBLISH id=%d topic=%d data=%d qos=%s dup=%t", p.MsgID, p.Topic, p.Data, p.QoS, p.Dup)
}

func (p *PubAck) String() string { return fmt.Sprintf("PUBACK id=%d", p.MsgID) }

func (u *Unsubscribe) String() string {
	return fmt.Sprintf("UNSUBSCRIBE id=%d topic=%d", u.MsgID, u.Topic)
}

func (u *UnsubAck) String() string { return fmt.Sprintf("UNSUBACK id=%d", u.MsgID) }

func (*Disconnect) String() string { return "DISCONNECT" }

func (d *Data) String() string {
	return fmt.Sprintf("DATA id=%d topic=%d data=%d qos=%s dup=%t", d.MsgID, d.Topic, d.Data, d.QoS, d.Dup)
}

func (d *DataAck) String() string { return fmt.Sprintf("DATAACK id=%d", d.MsgID) }

func (*PingReq) String() string { return "PINGREQ" }

func (*PingResp) String() string { return "PINGRESP" }
