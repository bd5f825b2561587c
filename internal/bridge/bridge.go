// Package bridge mirrors readings accepted by the broker to an upstream MQTT broker
package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

const (
	queueSize     = 256
	statusOnline  = `{"status":"online"}`
	statusOffline = `{"status":"offline"}`
)

// Publisher is the upstream side. PahoPublisher is the production one.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Message is the JSON payload of a mirrored reading
type Message struct {
	RunID     string    `json:"run_id"`
	Time      time.Time `json:"time"`
	Publisher uint8     `json:"publisher"`
	Topic     string    `json:"topic"`
	Value     uint16    `json:"value"`
	QoS       string    `json:"qos"`
}

// ReadingTopic is <prefix>/<topic name in lower case>
func ReadingTopic(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.ToLower(name)
}

// StatusTopic carries the retained online/offline status of the bridge
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/status"
}

type Bridge struct {
	pub       Publisher
	prefix    string
	qos       byte
	runID     string
	topicName func(wire.Topic) string
	queue     chan broker.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New(pub Publisher, prefix string, qos byte, runID string, topicName func(wire.Topic) string) *Bridge {
	b := &Bridge{
		pub:       pub,
		prefix:    prefix,
		qos:       qos,
		runID:     runID,
		topicName: topicName,
		queue:     make(chan broker.Event, queueSize),
		done:      make(chan struct{}),
	}
	if err := pub.Publish(StatusTopic(prefix), 1, true, []byte(statusOnline)); err != nil {
		logger.WarnF("[bridge] Fail to publish status, details: %v", err)
	}
	go b.worker()
	return b
}

// Handle queues published readings; it matches broker.WithEventHandler
func (b *Bridge) Handle(e broker.Event) {
	if e.Kind != broker.EventPublished {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		logger.WarnF("[bridge] Queue full, %s not mirrored", e)
	}
}

func (b *Bridge) worker() {
	defer close(b.done)
	for e := range b.queue {
		name := b.topicName(e.Topic)
		payload, err := json.Marshal(Message{
			RunID:     b.runID,
			Time:      e.Time.UTC(),
			Publisher: uint8(e.Client),
			Topic:     name,
			Value:     e.Value,
			QoS:       e.QoS.String(),
		})
		if err != nil {
			logger.ErrorF("[bridge] Fail to encode %s, details: %v", e, err)
			continue
		}
		if err := b.pub.Publish(ReadingTopic(b.prefix, name), b.qos, false, payload); err != nil {
			logger.WarnF("[bridge] Fail to mirror %s, details: %v", e, err)
		}
	}
}

// Invoke drains the queue, marks the bridge offline and disconnects
func (b *Bridge) Invoke(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	logger.Info("Closing upstream bridge")
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := b.pub.Publish(StatusTopic(b.prefix), 1, true, []byte(statusOffline)); err != nil {
		logger.WarnF("[bridge] Fail to publish status, details: %v", err)
	}
	b.pub.Close()
	return nil
}
