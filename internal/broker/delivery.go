package broker

import (
	"fmt"
	"slices"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/timer"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// pendingPublication tracks one HIGH QoS forward until every subscriber acknowledged it
// or the retry budget ran out.
type pendingPublication struct {
	msgID   uint16
	topic   wire.Topic
	data    uint16
	waiting map[wire.ClientID]struct{}
	retries int
	dup     bool
	timer   timer.Timer
	// generation of the armed timer; an expiry carrying an older value is stale
	gen uint64
}

func (p *pendingPublication) remaining() []wire.ClientID {
	clients := make([]wire.ClientID, 0, len(p.waiting))
	for c := range p.waiting {
		clients = append(clients, c)
	}
	slices.Sort(clients)
	return clients
}

func (p *pendingPublication) dataFor() *wire.Data {
	return &wire.Data{MsgID: p.msgID, Topic: p.topic, Data: p.data, QoS: wire.QoSHigh, Dup: p.dup}
}

// nextMsgID issues the broker's own identifiers for forwarded DATA, skipping 0 and ids still pending
func (b *Broker) nextMsgID() uint16 {
	for {
		b.lastMsgID++
		if b.lastMsgID == 0 {
			b.lastMsgID = 1
		}
		if _, busy := b.pending[b.lastMsgID]; !busy {
			return b.lastMsgID
		}
	}
}

func (b *Broker) handlePublish(src wire.ClientID, p *wire.Publish) error {
	if int(p.Topic) >= b.opts.NumTopics {
		return fmt.Errorf("%w: %d", ErrUnknownTopic, p.Topic)
	}
	if p.QoS == wire.QoSHigh {
		b.send(src, &wire.PubAck{MsgID: p.MsgID})
		if b.inbound.Seen(src, p.MsgID) {
			logger.DebugF("[client %d] Duplicate PUBLISH id=%d acknowledged again, not forwarded", src, p.MsgID)
			return nil
		}
	}

	b.emit(Event{Kind: EventPublished, Client: src, Topic: p.Topic, Value: p.Data, QoS: p.QoS, MsgID: p.MsgID})
	b.forward(p.Topic, p.Data)
	return nil
}

// forward sends one DATA per reachable subscriber at the subscriber's QoS
func (b *Broker) forward(topic wire.Topic, data uint16) {
	msgID := b.nextMsgID()
	var pub *pendingPublication

	for clientID, qos := range b.matrix.SubscribersOf(topic) {
		b.send(clientID, &wire.Data{MsgID: msgID, Topic: topic, Data: data, QoS: qos})
		if qos != wire.QoSHigh {
			continue
		}
		if pub == nil {
			pub = &pendingPublication{
				msgID:   msgID,
				topic:   topic,
				data:    data,
				waiting: make(map[wire.ClientID]struct{}),
			}
		}
		pub.waiting[clientID] = struct{}{}
	}

	if pub != nil {
		b.pending[msgID] = pub
		b.arm(pub)
	}
}

func (b *Broker) arm(pub *pendingPublication) {
	pub.gen++
	msgID, gen := pub.msgID, pub.gen
	pub.timer = b.timers.AfterFunc(b.opts.RetryInterval, func() {
		b.retryExpired(msgID, gen)
	})
}

func (b *Broker) destroy(pub *pendingPublication) {
	if pub.timer != nil {
		pub.timer.Stop()
	}
	delete(b.pending, pub.msgID)
}

func (b *Broker) handleDataAck(src wire.ClientID, ack *wire.DataAck) {
	pub, ok := b.pending[ack.MsgID]
	if !ok {
		logger.DebugF("[client %d] DATAACK for id=%d with nothing pending", src, ack.MsgID)
		return
	}
	if _, waiting := pub.waiting[src]; !waiting {
		return
	}
	delete(pub.waiting, src)
	if len(pub.waiting) == 0 {
		b.destroy(pub)
	}
}

// retryExpired runs on the timer goroutine and takes the broker lock,
// so it cannot interleave with the acknowledgment that completes the same publication.
func (b *Broker) retryExpired(msgID uint16, gen uint64) {
	b.mu.Lock()
	b.retry(msgID, gen)
	b.release()
}

func (b *Broker) retry(msgID uint16, gen uint64) {
	pub, ok := b.pending[msgID]
	if !ok || pub.gen != gen {
		return
	}

	if pub.retries >= b.opts.MaxRetries {
		for _, clientID := range pub.remaining() {
			logger.WarnF("[client %d] Delivery of DATA id=%d exhausted after %d retries", clientID, msgID, pub.retries)
			b.emit(Event{Kind: EventDeliveryExhausted, Client: clientID, Topic: pub.topic, Value: pub.data, QoS: wire.QoSHigh, MsgID: msgID})
		}
		b.destroy(pub)
		return
	}

	pub.retries++
	pub.dup = true
	for _, clientID := range pub.remaining() {
		b.send(clientID, pub.dataFor())
	}
	b.arm(pub)
}

// cancelObligations removes clientID from every pending publication without reporting a failure
func (b *Broker) cancelObligations(clientID wire.ClientID) {
	for _, pub := range b.pending {
		if _, waiting := pub.waiting[clientID]; !waiting {
			continue
		}
		delete(pub.waiting, clientID)
		if len(pub.waiting) == 0 {
			b.destroy(pub)
		}
	}
}
