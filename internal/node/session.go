// Package node implements the client side of the sensor network protocol.
//
// A Session connects to the broker, subscribes, and publishes sensor readings one
// at a time. A reading that arrives while another is still in flight is held back,
// and only the most recent held reading is sent once the link is free again.
package node

import (
	"context"
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
	DefaultConnectTimeout = 5 * time.Second
	DefaultRetryInterval  = 2 * time.Second
	DefaultMaxRetries     = 3
)

// SendState tracks whether a publication is in flight
type SendState byte

const (
	StateFree SendState = iota
	StateSending
	StateQueuedValue
)

func (s SendState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateSending:
		return "SENDING"
	case StateQueuedValue:
		return "QUEUED_VALUE"
	default:
		return fmt.Sprintf("SendState(%d)", byte(s))
	}
}

// ConnState is the client's view of its connection to the broker
type ConnState byte

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("ConnState(%d)", byte(c))
	}
}

// Config holds the session parameters
type Config struct {
	Broker         wire.ClientID // link address of the broker
	NumTopics      int           // zero skips the topic range check
	QoS            wire.QoS      // QoS of published readings
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	DedupWindow    int
}

// Sender is the link half a session transmits through. Send must not block on
// the transmission itself; its completion is reported later through Session.SendDone.
type Sender interface {
	Send(dst wire.ClientID, data []byte) error
}

// Reading is one sensor value tagged with its topic
type Reading struct {
	Topic wire.Topic
	Value uint16
}

// Option customizes a Session
type Option func(*Session)

// WithTimers replaces the system timer service
func WithTimers(timers timer.Service) Option {
	return func(s *Session) { s.timers = timers }
}

// OnConnect is called with nil once CONNACK arrives, or with the reason the attempt failed
func OnConnect(f func(err error)) Option {
	return func(s *Session) { s.onConnect = f }
}

// OnData is called once per DATA delivered by the broker, duplicates excluded
func OnData(f func(topic wire.Topic, value uint16)) Option {
	return func(s *Session) { s.onData = f }
}

// OnPublishFailed is called when a HIGH reading was never acknowledged
func OnPublishFailed(f func(r Reading, msgID uint16)) Option {
	return func(s *Session) { s.onPublishFailed = f }
}

// Session is one client's protocol state. It is safe for concurrent use;
// callbacks run without the session lock held.
type Session struct {
	mu sync.Mutex

	id     wire.ClientID
	cfg    Config
	sender Sender
	timers timer.Service

	onConnect       func(err error)
	onData          func(topic wire.Topic, value uint16)
	onPublishFailed func(r Reading, msgID uint16)

	conn       ConnState
	connTimer  timer.Timer
	connGen    uint64
	state      SendState
	lastMsgID  uint16
	inflight   *publication
	queued     Reading
	inbound    *dedup.Window
	sent, done uint64 // transmissions handed to the link and completed by it

	// callbacks raised under the lock
	calls []func()
}

// NewSession creates a disconnected, FREE session for client id
func NewSession(id wire.ClientID, cfg Config, sender Sender, options ...Option) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	s := &Session{
		id:      id,
		cfg:     cfg,
		sender:  sender,
		timers:  timer.System{},
		inbound: dedup.NewWindow(cfg.DedupWindow),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// ID returns the client index of this session
func (s *Session) ID() wire.ClientID {
	return s.id
}

// State returns the publication state
func (s *Session) State() SendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the connection state
func (s *Session) Conn() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect sends CONNECT and waits up to the connect timeout for CONNACK.
// The outcome is reported through the OnConnect callback; a failed attempt is not retried.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.unlock()
	if s.conn != Disconnected {
		return ErrAlreadyConnected
	}
	s.conn = Connecting
	s.connGen++
	gen := s.connGen
	s.connTimer = s.timers.AfterFunc(s.cfg.ConnectTimeout, func() { s.connectExpired(gen) })
	s.send(&wire.Connect{})
	return nil
}

func (s *Session) connectExpired(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if s.conn != Connecting || s.connGen != gen {
		return
	}
	logger.WarnF("[client %d] No CONNACK within %v", s.id, s.cfg.ConnectTimeout)
	s.conn = Disconnected
	s.connTimer = nil
	s.notifyConnect(ErrConnectTimeout)
}

// Subscribe asks the broker to forward topic at qos
func (s *Session) Subscribe(topic wire.Topic, qos wire.QoS) error {
	if !qos.Valid() {
		return fmt.Errorf("%w: qos %s", wire.ErrMalformedMessage, qos)
	}
	s.mu.Lock()
	defer s.unlock()
	if err := s.checkTopic(topic); err != nil {
		return err
	}
	if s.conn != Connected {
		return ErrNotConnected
	}
	s.send(&wire.Subscribe{MsgID: s.nextMsgID(), Topic: topic, QoS: qos})
	return nil
}

// Unsubscribe withdraws the subscription to topic
func (s *Session) Unsubscribe(topic wire.Topic) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.checkTopic(topic); err != nil {
		return err
	}
	if s.conn != Connected {
		return ErrNotConnected
	}
	s.send(&wire.Unsubscribe{MsgID: s.nextMsgID(), Topic: topic})
	return nil
}

// Ping sends PINGREQ so the broker keeps the connection alive
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.unlock()
	if s.conn != Connected {
		return ErrNotConnected
	}
	s.send(&wire.PingReq{})
	return nil
}

// KeepAlive pings every interval while connected until ctx is done
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Ping()
		}
	}
}

// Disconnect sends DISCONNECT and drops any reading in flight or held back
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.unlock()
	if s.conn == Disconnected {
		return ErrNotConnected
	}
	s.send(&wire.Disconnect{})
	s.reset()
	return nil
}

// LinkLost resets the session after the link to the broker went away
func (s *Session) LinkLost() {
	s.mu.Lock()
	defer s.unlock()
	if s.conn == Disconnected {
		return
	}
	wasConnecting := s.conn == Connecting
	logger.WarnF("[client %d] Link to broker lost", s.id)
	s.reset()
	if wasConnecting {
		s.notifyConnect(fmt.Errorf("%w: link lost", ErrConnectRefused))
	}
}

func (s *Session) reset() {
	if s.connTimer != nil {
		s.connTimer.Stop()
		s.connTimer = nil
	}
	if s.inflight != nil && s.inflight.timer != nil {
		s.inflight.timer.Stop()
	}
	s.conn = Disconnected
	s.connGen++
	s.inflight = nil
	s.queued = Reading{}
	s.state = StateFree
	s.inbound.Forget(s.cfg.Broker)
}

// HandleFrame processes one record received from src
func (s *Session) HandleFrame(src wire.ClientID, record []byte) error {
	msg, err := wire.Decode(record)
	if err != nil {
		return err
	}
	logger.DebugF("[client %d] Receive %s", s.id, msg)

	s.mu.Lock()
	defer s.unlock()

	switch m := msg.(type) {
	case *wire.ConnAck:
		s.handleConnAck(m)
	case *wire.SubAck, *wire.UnsubAck, *wire.PingResp:
		if s.conn != Connected {
			return ErrNotConnected
		}
	case *wire.PubAck:
		s.handlePubAck(m)
	case *wire.Data:
		return s.handleData(src, m)
	default:
		return fmt.Errorf("unexpected %s from broker", msg.Type())
	}
	return nil
}

func (s *Session) handleConnAck(ack *wire.ConnAck) {
	if s.conn != Connecting {
		logger.DebugF("[client %d] Ignoring CONNACK in state %s", s.id, s.conn)
		return
	}
	if s.connTimer != nil {
		s.connTimer.Stop()
		s.connTimer = nil
	}
	if ack.Code != wire.Accepted {
		s.conn = Disconnected
		s.notifyConnect(fmt.Errorf("%w: code %d", ErrConnectRefused, ack.Code))
		return
	}
	s.conn = Connected
	logger.InfoF("[client %d] Connected to broker", s.id)
	s.notifyConnect(nil)
}

func (s *Session) handleData(src wire.ClientID, data *wire.Data) error {
	if s.conn != Connected {
		return ErrNotConnected
	}
	duplicate := s.inbound.Seen(src, data.MsgID)
	if data.QoS == wire.QoSHigh {
		// acknowledged again so a broker that missed the first DATAACK stops retrying
		s.send(&wire.DataAck{MsgID: data.MsgID})
	}
	if duplicate {
		logger.DebugF("[client %d] Duplicate DATA id=%d from %d dropped", s.id, data.MsgID, src)
		return nil
	}
	if s.onData != nil {
		onData, topic, value := s.onData, data.Topic, data.Data
		s.calls = append(s.calls, func() { onData(topic, value) })
	}
	return nil
}

func (s *Session) checkTopic(topic wire.Topic) error {
	if s.cfg.NumTopics > 0 && int(topic) >= s.cfg.NumTopics {
		return fmt.Errorf("topic %d out of range", topic)
	}
	return nil
}

// nextMsgID skips 0 on wrap
func (s *Session) nextMsgID() uint16 {
	s.lastMsgID++
	if s.lastMsgID == 0 {
		s.lastMsgID = 1
	}
	return s.lastMsgID
}

// send hands msg to the link. A failed hand-off completes immediately since no
// SendDone will follow it.
func (s *Session) send(msg wire.Message) {
	s.sent++
	if err := s.sender.Send(s.cfg.Broker, wire.Encode(msg)); err != nil {
		logger.WarnF("[client %d] Fail to send %s, details: %v", s.id, msg.Type(), err)
		s.transmitted()
		return
	}
	logger.DebugF("[client %d] Send %s", s.id, msg)
}

func (s *Session) notifyConnect(err error) {
	if s.onConnect == nil {
		return
	}
	onConnect := s.onConnect
	s.calls = append(s.calls, func() { onConnect(err) })
}

// unlock releases the session lock and then runs the callbacks raised under it
func (s *Session) unlock() {
	calls := s.calls
	s.calls = nil
	s.mu.Unlock()
	for _, call := range calls {
		call()
	}
}
