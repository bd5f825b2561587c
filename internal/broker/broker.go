// Package broker matches sensor publications to subscribers on the radio network.
//
// A Broker owns the subscription matrix, the per-client connection lifecycle and
// the HIGH QoS pending publications. All of them are touched only under the
// broker's lock: incoming records are processed one at a time to completion, and
// retry timers and liveness sweeps take the same lock.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/dedup"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/timer"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Default protocol parameters
const (
	DefaultRetryInterval   = 2 * time.Second
	DefaultMaxRetries      = 3
	DefaultLivenessTimeout = 60 * time.Second
)

// Options sizes the broker and its QoS machinery
type Options struct {
	MaxClients      int
	NumTopics       int
	RetryInterval   time.Duration
	MaxRetries      int
	LivenessTimeout time.Duration // zero disables the liveness sweep
	DedupWindow     int
}

// Sender is the link-layer half the broker transmits through. Sends are fire and forget.
type Sender interface {
	Send(dst wire.ClientID, data []byte) error
}

// Option customizes a Broker
type Option func(*Broker)

// WithTimers replaces the system timer service
func WithTimers(timers timer.Service) Option {
	return func(b *Broker) { b.timers = timers }
}

// WithClock replaces time.Now for liveness bookkeeping
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithEventHandler receives broker events. Handlers run after the broker lock is released,
// one event at a time and in the order the events were raised. A handler must not call
// back into the broker.
func WithEventHandler(handler func(Event)) Option {
	return func(b *Broker) { b.handlers = append(b.handlers, handler) }
}

// Broker is the broker context shared by every handler
type Broker struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex

	opts     Options
	sender   Sender
	timers   timer.Service
	now      func() time.Time
	handlers []func(Event)

	matrix    *Matrix
	lifecycle *Lifecycle
	pending   map[uint16]*pendingPublication
	inbound   *dedup.Window
	lastMsgID uint16

	// events raised while the lock is held, dispatched once it is released
	queue []Event
}

// New creates a broker with an empty matrix
func New(opts Options, sender Sender, options ...Option) (*Broker, error) {
	if opts.MaxClients <= 0 || opts.MaxClients > 255 {
		return nil, fmt.Errorf("invalid client count %d", opts.MaxClients)
	}
	if opts.NumTopics <= 0 || opts.NumTopics > 256 {
		return nil, fmt.Errorf("invalid topic count %d", opts.NumTopics)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if sender == nil {
		return nil, errors.New("nil sender")
	}

	b := &Broker{
		opts:    opts,
		sender:  sender,
		timers:  timer.System{},
		now:     time.Now,
		matrix:  NewMatrix(opts.MaxClients, opts.NumTopics),
		pending: make(map[uint16]*pendingPublication),
		inbound: dedup.NewWindow(opts.DedupWindow),
	}
	b.lifecycle = NewLifecycle(opts.MaxClients, opts.LivenessTimeout, b.clientUp, b.clientDown)
	for _, option := range options {
		option(b)
	}
	return b, nil
}

// ID is the broker's reserved index
func (b *Broker) ID() wire.ClientID {
	return wire.Broker(b.opts.MaxClients)
}

// HandleFrame processes one record received from src. The returned error describes
// why the record was dropped; it never affects other clients.
func (b *Broker) HandleFrame(src wire.ClientID, record []byte) error {
	b.mu.Lock()
	err := b.handleFrame(src, record)
	b.release()
	return err
}

func (b *Broker) handleFrame(src wire.ClientID, record []byte) error {
	if int(src) >= b.opts.MaxClients {
		return fmt.Errorf("%w: %d", ErrUnknownClient, src)
	}
	msg, err := wire.Decode(record)
	if err != nil {
		return err
	}
	logger.DebugF("[client %d] Receive %s", src, msg)

	if _, ok := msg.(*wire.Connect); ok {
		return b.handleConnect(src)
	}
	if b.lifecycle.State(src) != StateConnected {
		return fmt.Errorf("%w: %s from client %d", ErrNotConnected, msg.Type(), src)
	}
	b.lifecycle.Touch(src, b.now())

	switch m := msg.(type) {
	case *wire.Subscribe:
		if err := b.matrix.Subscribe(src, m.Topic, m.QoS); err != nil {
			return err
		}
		b.send(src, &wire.SubAck{MsgID: m.MsgID, QoS: m.QoS})
	case *wire.Unsubscribe:
		if err := b.matrix.Unsubscribe(src, m.Topic); err != nil {
			return err
		}
		b.send(src, &wire.UnsubAck{MsgID: m.MsgID})
	case *wire.Publish:
		return b.handlePublish(src, m)
	case *wire.DataAck:
		b.handleDataAck(src, m)
	case *wire.PingReq:
		b.send(src, &wire.PingResp{})
	case *wire.Disconnect:
		logger.InfoF("[client %d] Client disconnect", src)
		_, _ = b.lifecycle.Disconnect(src, ReasonRequested)
	default:
		return fmt.Errorf("%w: %s is not accepted by the broker", ErrUnexpectedMessage, msg.Type())
	}
	return nil
}

func (b *Broker) handleConnect(src wire.ClientID) error {
	fresh, err := b.lifecycle.Connect(src, b.now())
	if err != nil {
		return err
	}
	if !fresh {
		logger.WarnF("[client %d] Duplicate CONNECT, connection refreshed", src)
	}
	b.send(src, &wire.ConnAck{Code: wire.Accepted})
	return nil
}

// clientUp is the lifecycle hook for entering CONNECTED
func (b *Broker) clientUp(clientID wire.ClientID) {
	_ = b.matrix.MarkConnected(clientID)
	// a fresh session restarts the client's id counter
	b.inbound.Forget(clientID)
	logger.InfoF("[client %d] Client connected", clientID)
	b.emit(Event{Kind: EventClientConnected, Client: clientID})
}

// clientDown is the lifecycle hook for entering DISCONNECTED
func (b *Broker) clientDown(clientID wire.ClientID, reason DisconnectReason) {
	_ = b.matrix.MarkDisconnected(clientID)
	b.cancelObligations(clientID)
	logger.InfoF("[client %d] Client disconnected (%s)", clientID, reason)
	b.emit(Event{Kind: EventClientDisconnected, Client: clientID, Reason: reason})
}

// Drop reports that the link to clientID is gone
func (b *Broker) Drop(clientID wire.ClientID) {
	b.mu.Lock()
	_, _ = b.lifecycle.Disconnect(clientID, ReasonLinkLost)
	b.release()
}

// Sweep disconnects every client silent for longer than the liveness timeout
func (b *Broker) Sweep() {
	b.mu.Lock()
	for _, clientID := range b.lifecycle.Expired(b.now()) {
		logger.WarnF("[client %d] No traffic within %v", clientID, b.opts.LivenessTimeout)
		_, _ = b.lifecycle.Disconnect(clientID, ReasonTimeout)
	}
	b.release()
}

// Run sweeps for silent clients until ctx is done
func (b *Broker) Run(ctx context.Context) {
	if b.opts.LivenessTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.opts.LivenessTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Cell returns the matrix cell of (clientID, topic)
func (b *Broker) Cell(clientID wire.ClientID, topic wire.Topic) Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matrix.Cell(clientID, topic)
}

// State returns the broker's view of clientID's connection
func (b *Broker) State(clientID wire.ClientID) ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lifecycle.State(clientID)
}

// Subscribers lists the current delivery targets of topic
func (b *Broker) Subscribers(topic wire.Topic) map[wire.ClientID]wire.QoS {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make(map[wire.ClientID]wire.QoS)
	for clientID, qos := range b.matrix.SubscribersOf(topic) {
		result[clientID] = qos
	}
	return result
}

// PendingCount is the number of HIGH QoS publications awaiting acknowledgment
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) send(dst wire.ClientID, msg wire.Message) {
	if err := b.sender.Send(dst, wire.Encode(msg)); err != nil {
		logger.WarnF("[client %d] Fail to send %s, details: %v", dst, msg.Type(), err)
		return
	}
	logger.DebugF("[client %d] Send %s", dst, msg)
}

func (b *Broker) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = b.now()
	}
	b.queue = append(b.queue, event)
}

func (b *Broker) takeEvents() []Event {
	events := b.queue
	b.queue = nil
	return events
}

// release unlocks the broker and then hands the queued events to the handlers.
// dispatchMu is taken before mu is released, so handlers see events in the order
// they were raised no matter which goroutine raised them.
func (b *Broker) release() {
	events := b.takeEvents()
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	b.mu.Unlock()
	b.dispatch(events)
}

func (b *Broker) dispatch(events []Event) {
	for _, event := range events {
		for _, handler := range b.handlers {
			handler(event)
		}
	}
}
