package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned by Decode when a record cannot be understood.
// Receivers drop such records.
var ErrMalformedMessage = errors.New("malformed message")

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, v...))
}

// Encode renders m as its fixed-size record, numeric fields in network byte order
func Encode(m Message) []byte {
	w := newWriter(m.Type())
	switch msg := m.(type) {
	case *Connect, *Disconnect, *PingReq, *PingResp:
	case *ConnAck:
		w.byte(byte(msg.Code))
	case *Subscribe:
		w.uint16(msg.MsgID)
		w.byte(byte(msg.Topic))
		w.byte(byte(msg.QoS))
	case *SubAck:
		w.uint16(msg.MsgID)
		w.byte(byte(msg.QoS))
	case *Publish:
		w.uint16(msg.MsgID)
		w.byte(byte(msg.Topic))
		w.uint16(msg.Data)
		w.byte(byte(msg.QoS))
		w.flag(msg.Dup)
	case *PubAck:
		w.uint16(msg.MsgID)
	case *Unsubscribe:
		w.uint16(msg.MsgID)
		w.byte(byte(msg.Topic))
	case *UnsubAck:
		w.uint16(msg.MsgID)
	case *Data:
		w.uint16(msg.MsgID)
		w.byte(byte(msg.Topic))
		w.uint16(msg.Data)
		w.byte(byte(msg.QoS))
		w.flag(msg.Dup)
	case *DataAck:
		w.uint16(msg.MsgID)
	}
	return w.buf
}

// Decode parses one complete record. The record length must match the size fixed by its tag.
func Decode(record []byte) (Message, error) {
	if len(record) == 0 {
		return nil, malformed("empty record")
	}
	msgType := MsgType(record[0])
	size := Size(msgType)
	if size == 0 {
		return nil, malformed("unknown message type %d", record[0])
	}
	if len(record) != size {
		return nil, malformed("%s record has %d bytes, expected %d", msgType, len(record), size)
	}

	r := &reader{buf: record, ptr: 1}
	switch msgType {
	case CONNECT:
		return &Connect{}, nil
	case DISCONNECT:
		return &Disconnect{}, nil
	case PINGREQ:
		return &PingReq{}, nil
	case PINGRESP:
		return &PingResp{}, nil
	case CONNACK:
		return &ConnAck{Code: ConnectCode(r.byte())}, nil
	case SUBSCRIBE:
		msg := &Subscribe{MsgID: r.uint16(), Topic: Topic(r.byte())}
		qos, err := r.qos()
		if err != nil {
			return nil, err
		}
		msg.QoS = qos
		return msg, nil
	case SUBACK:
		msg := &SubAck{MsgID: r.uint16()}
		qos, err := r.qos()
		if err != nil {
			return nil, err
		}
		msg.QoS = qos
		return msg, nil
	case PUBLISH:
		msg := &Publish{MsgID: r.uint16(), Topic: Topic(r.byte()), Data: r.uint16()}
		var err error
		if msg.QoS, err = r.qos(); err != nil {
			return nil, err
		}
		if msg.Dup, err = r.flag(); err != nil {
			return nil, err
		}
		return msg, nil
	case PUBACK:
		return &PubAck{MsgID: r.uint16()}, nil
	case UNSUBSCRIBE:
		return &Unsubscribe{MsgID: r.uint16(), Topic: Topic(r.byte())}, nil
	case UNSUBACK:
		return &UnsubAck{MsgID: r.uint16()}, nil
	case DATA:
		msg := &Data{MsgID: r.uint16(), Topic: Topic(r.byte()), Data: r.uint16()}
		var err error
		if msg.QoS, err = r.qos(); err != nil {
			return nil, err
		}
		if msg.Dup, err = r.flag(); err != nil {
			return nil, err
		}
		return msg, nil
	case DATAACK:
		return &DataAck{MsgID: r.uint16()}, nil
	}
	return nil, malformed("unknown message type %d", record[0])
}

type writer struct {
	buf []byte
}

func newWriter(t MsgType) *writer {
	buf := make([]byte, 1, Size(t))
	buf[0] = byte(t)
	return &writer{buf: buf}
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) flag(set bool) {
	if set {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// reader walks a record whose length was already checked against its tag
type reader struct {
	buf []byte
	ptr int
}

func (r *reader) byte() byte {
	b := r.buf[r.ptr]
	r.ptr++
	return b
}

func (r *reader) uint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.ptr : r.ptr+2])
	r.ptr += 2
	return v
}

func (r *reader) qos() (QoS, error) {
	q := QoS(r.byte())
	if !q.Valid() {
		return 0, malformed("invalid qos level %d", q)
	}
	return q, nil
}

func (r *reader) flag() (bool, error) {
	switch r.byte() {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, malformed("invalid dup flag %d", r.buf[r.ptr-1])
	}
}
