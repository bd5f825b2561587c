package node

import (
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/timer"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// publication is the reading currently in flight
type publication struct {
	msgID   uint16
	reading Reading
	qos     wire.QoS
	retries int
	dup     bool

	// transmitting is set until the link completes sendSeq
	transmitting bool
	sendSeq      uint64
	acked        bool

	timer timer.Timer
	gen   uint64
}

// Reading is the sensor-read event. The reading is published at once when the
// session is FREE and held back otherwise, replacing any reading already held.
func (s *Session) Reading(topic wire.Topic, value uint16) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.checkTopic(topic); err != nil {
		return err
	}
	if s.conn != Connected {
		return ErrNotConnected
	}

	r := Reading{Topic: topic, Value: value}
	switch s.state {
	case StateFree:
		s.publish(r)
	case StateSending, StateQueuedValue:
		if s.state == StateQueuedValue {
			logger.DebugF("[client %d] Held reading %d superseded by %d", s.id, s.queued.Value, value)
		}
		s.queued = r
		s.state = StateQueuedValue
	}
	return nil
}

// SendDone reports that the link finished one transmission. Completions arrive
// in the order the records were handed to Send.
func (s *Session) SendDone() {
	s.mu.Lock()
	defer s.unlock()
	if s.done >= s.sent {
		return
	}
	s.transmitted()
}

func (s *Session) publish(r Reading) {
	s.state = StateSending
	s.inflight = &publication{
		msgID:   s.nextMsgID(),
		reading: r,
		qos:     s.cfg.QoS,
	}
	s.transmit()
}

func (s *Session) transmit() {
	pub := s.inflight
	pub.transmitting = true
	pub.sendSeq = s.sent + 1
	s.send(&wire.Publish{
		MsgID: pub.msgID,
		Topic: pub.reading.Topic,
		Data:  pub.reading.Value,
		QoS:   pub.qos,
		Dup:   pub.dup,
	})
}

// transmitted counts one completed transmission and advances the in-flight publication
// once its own record went out
func (s *Session) transmitted() {
	s.done++
	pub := s.inflight
	if pub == nil || !pub.transmitting || s.done < pub.sendSeq {
		return
	}
	pub.transmitting = false

	if pub.qos != wire.QoSHigh || pub.acked {
		s.complete()
		return
	}
	pub.gen++
	msgID, gen := pub.msgID, pub.gen
	pub.timer = s.timers.AfterFunc(s.cfg.RetryInterval, func() { s.ackExpired(msgID, gen) })
}

func (s *Session) handlePubAck(ack *wire.PubAck) {
	pub := s.inflight
	if pub == nil || pub.qos != wire.QoSHigh || pub.msgID != ack.MsgID {
		logger.DebugF("[client %d] PUBACK id=%d matches nothing in flight", s.id, ack.MsgID)
		return
	}
	if pub.transmitting {
		// acknowledged before the link reported completion
		pub.acked = true
		return
	}
	if pub.timer != nil {
		pub.timer.Stop()
	}
	s.complete()
}

func (s *Session) ackExpired(msgID uint16, gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	pub := s.inflight
	if pub == nil || pub.msgID != msgID || pub.gen != gen {
		return
	}

	if pub.retries >= s.cfg.MaxRetries {
		logger.WarnF("[client %d] PUBLISH id=%d unacknowledged after %d retries", s.id, msgID, pub.retries)
		if s.onPublishFailed != nil {
			onFailed, r := s.onPublishFailed, pub.reading
			s.calls = append(s.calls, func() { onFailed(r, msgID) })
		}
		s.complete()
		return
	}
	pub.retries++
	pub.dup = true
	s.transmit()
}

// complete ends the in-flight publication and sends the held reading, if any
func (s *Session) complete() {
	s.inflight = nil
	if s.state == StateQueuedValue {
		next := s.queued
		s.queued = Reading{}
		s.publish(next)
		return
	}
	s.state = StateFree
}
