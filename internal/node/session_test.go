package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-sensornet/internal/timer"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

const brokerID = wire.ClientID(2)

type fakeLink struct {
	mu   sync.Mutex
	sent []wire.Message
	err  error
}

func (l *fakeLink) Send(dst wire.ClientID, data []byte) error {
	if dst != brokerID {
		return errors.New("wrong destination")
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return l.err
}

func (l *fakeLink) publishes() []*wire.Publish {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []*wire.Publish
	for _, msg := range l.sent {
		if p, ok := msg.(*wire.Publish); ok {
			result = append(result, p)
		}
	}
	return result
}

func (l *fakeLink) count(t wire.MsgType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, msg := range l.sent {
		if msg.Type() == t {
			n++
		}
	}
	return n
}

type received struct {
	topic wire.Topic
	value uint16
}

type harness struct {
	session    *Session
	link       *fakeLink
	clock      *timer.Fake
	connects   []error
	data       []received
	failedPubs []Reading
}

func newHarness(t *testing.T, qos wire.QoS) *harness {
	t.Helper()
	h := &harness{link: &fakeLink{}, clock: timer.NewFake(time.Unix(0, 0))}
	h.session = NewSession(0, Config{
		Broker:         brokerID,
		NumTopics:      3,
		QoS:            qos,
		ConnectTimeout: 5 * time.Second,
		RetryInterval:  time.Second,
		MaxRetries:     2,
	}, h.link,
		WithTimers(h.clock),
		OnConnect(func(err error) { h.connects = append(h.connects, err) }),
		OnData(func(topic wire.Topic, value uint16) { h.data = append(h.data, received{topic, value}) }),
		OnPublishFailed(func(r Reading, _ uint16) { h.failedPubs = append(h.failedPubs, r) }),
	)
	return h
}

func (h *harness) deliver(t *testing.T, msg wire.Message) {
	t.Helper()
	require.NoError(t, h.session.HandleFrame(brokerID, wire.Encode(msg)))
}

func (h *harness) connected(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, h.session.Connect())
	h.session.SendDone()
	h.deliver(t, &wire.ConnAck{Code: wire.Accepted})
	require.Equal(t, Connected, h.session.Conn())
	return h
}

func TestConnectAcknowledged(t *testing.T) {
	h := newHarness(t, wire.QoSLow)
	require.NoError(t, h.session.Connect())
	assert.Equal(t, Connecting, h.session.Conn())
	assert.ErrorIs(t, h.session.Connect(), ErrAlreadyConnected)

	h.deliver(t, &wire.ConnAck{Code: wire.Accepted})
	assert.Equal(t, Connected, h.session.Conn())
	assert.Equal(t, []error{nil}, h.connects)
	assert.Zero(t, h.clock.Pending(), "connect timer stopped")
	assert.Equal(t, 1, h.link.count(wire.CONNECT))
}

func TestConnectTimeoutReportedNotRetried(t *testing.T) {
	h := newHarness(t, wire.QoSLow)
	require.NoError(t, h.session.Connect())

	h.clock.Advance(time.Minute)
	assert.Equal(t, Disconnected, h.session.Conn())
	require.Len(t, h.connects, 1)
	assert.ErrorIs(t, h.connects[0], ErrConnectTimeout)
	assert.Equal(t, 1, h.link.count(wire.CONNECT))

	// a late CONNACK does not revive the attempt
	h.deliver(t, &wire.ConnAck{Code: wire.Accepted})
	assert.Equal(t, Disconnected, h.session.Conn())
}

func TestConnectRefused(t *testing.T) {
	h := newHarness(t, wire.QoSLow)
	require.NoError(t, h.session.Connect())
	h.deliver(t, &wire.ConnAck{Code: wire.ServerUnavailable})

	assert.Equal(t, Disconnected, h.session.Conn())
	require.Len(t, h.connects, 1)
	assert.ErrorIs(t, h.connects[0], ErrConnectRefused)
}

func TestRejectedWhileNotConnected(t *testing.T) {
	h := newHarness(t, wire.QoSLow)

	assert.ErrorIs(t, h.session.Reading(wire.Temperature, 1), ErrNotConnected)
	assert.ErrorIs(t, h.session.Subscribe(wire.Temperature, wire.QoSHigh), ErrNotConnected)
	assert.ErrorIs(t, h.session.Unsubscribe(wire.Temperature), ErrNotConnected)
	assert.ErrorIs(t, h.session.Ping(), ErrNotConnected)
	assert.ErrorIs(t, h.session.Disconnect(), ErrNotConnected)

	require.NoError(t, h.session.Connect())
	assert.ErrorIs(t, h.session.Reading(wire.Temperature, 1), ErrNotConnected, "CONNACK still outstanding")

	assert.Empty(t, h.link.publishes())
	assert.Zero(t, h.link.count(wire.SUBSCRIBE))
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)

	require.NoError(t, h.session.Subscribe(wire.Humidity, wire.QoSHigh))
	require.NoError(t, h.session.Unsubscribe(wire.Humidity))
	assert.Error(t, h.session.Subscribe(wire.Topic(3), wire.QoSLow))
	assert.ErrorIs(t, h.session.Subscribe(wire.Humidity, wire.QoS(2)), wire.ErrMalformedMessage)

	h.link.mu.Lock()
	sub := h.link.sent[1].(*wire.Subscribe)
	unsub := h.link.sent[2].(*wire.Unsubscribe)
	h.link.mu.Unlock()
	assert.Equal(t, wire.Humidity, sub.Topic)
	assert.Equal(t, wire.QoSHigh, sub.QoS)
	assert.NotEqual(t, sub.MsgID, unsub.MsgID)

	h.deliver(t, &wire.SubAck{MsgID: sub.MsgID, QoS: wire.QoSHigh})
	h.deliver(t, &wire.UnsubAck{MsgID: unsub.MsgID})
}

func TestLowReadingCompletesOnSendDone(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)

	require.NoError(t, h.session.Reading(wire.Temperature, 235))
	assert.Equal(t, StateSending, h.session.State())
	h.session.SendDone()
	assert.Equal(t, StateFree, h.session.State())

	pubs := h.link.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, uint16(235), pubs[0].Data)
	assert.Equal(t, wire.QoSLow, pubs[0].QoS)
	assert.False(t, pubs[0].Dup)
	assert.Zero(t, h.clock.Pending())
}

func TestLatestReadingWins(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)

	require.NoError(t, h.session.Reading(wire.Temperature, 100))
	require.NoError(t, h.session.Reading(wire.Temperature, 101))
	assert.Equal(t, StateQueuedValue, h.session.State())
	require.NoError(t, h.session.Reading(wire.Temperature, 102))
	assert.Equal(t, StateQueuedValue, h.session.State())

	h.session.SendDone()
	assert.Equal(t, StateSending, h.session.State())
	h.session.SendDone()
	assert.Equal(t, StateFree, h.session.State())

	var values []uint16
	for _, p := range h.link.publishes() {
		values = append(values, p.Data)
	}
	assert.Equal(t, []uint16{100, 102}, values)
}

func TestSendDoneForOtherRecordsDoesNotCompletePublication(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)

	require.NoError(t, h.session.Subscribe(wire.Humidity, wire.QoSLow))
	require.NoError(t, h.session.Reading(wire.Temperature, 1))

	h.session.SendDone() // SUBSCRIBE
	assert.Equal(t, StateSending, h.session.State())
	h.session.SendDone() // PUBLISH
	assert.Equal(t, StateFree, h.session.State())

	// surplus completions are ignored
	h.session.SendDone()
	assert.Equal(t, StateFree, h.session.State())
}

func TestHighReadingCompletesOnPubAck(t *testing.T) {
	h := newHarness(t, wire.QoSHigh).connected(t)

	require.NoError(t, h.session.Reading(wire.Luminosity, 812))
	h.session.SendDone()
	assert.Equal(t, StateSending, h.session.State(), "HIGH waits for PUBACK")
	assert.Equal(t, 1, h.clock.Pending())

	msgID := h.link.publishes()[0].MsgID
	h.deliver(t, &wire.PubAck{MsgID: msgID + 1})
	assert.Equal(t, StateSending, h.session.State())
	h.deliver(t, &wire.PubAck{MsgID: msgID})
	assert.Equal(t, StateFree, h.session.State())
	assert.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.link.publishes(), 1)
}

func TestHighPubAckBeforeSendDone(t *testing.T) {
	h := newHarness(t, wire.QoSHigh).connected(t)

	require.NoError(t, h.session.Reading(wire.Luminosity, 5))
	h.deliver(t, &wire.PubAck{MsgID: h.link.publishes()[0].MsgID})
	assert.Equal(t, StateSending, h.session.State())

	h.session.SendDone()
	assert.Equal(t, StateFree, h.session.State())
	assert.Zero(t, h.clock.Pending())
}

func TestHighRetryWithDupThenExhausted(t *testing.T) {
	h := newHarness(t, wire.QoSHigh).connected(t)
	require.NoError(t, h.session.Reading(wire.Temperature, 300))
	require.NoError(t, h.session.Reading(wire.Temperature, 301))

	for range 3 {
		h.session.SendDone()
		h.clock.Advance(time.Second)
	}

	pubs := h.link.publishes()
	require.Len(t, pubs, 4, "original, two retransmissions, then the held reading")
	for i, p := range pubs[:3] {
		assert.Equal(t, uint16(300), p.Data)
		assert.Equal(t, pubs[0].MsgID, p.MsgID)
		assert.Equal(t, i > 0, p.Dup)
	}
	assert.Equal(t, []Reading{{Topic: wire.Temperature, Value: 300}}, h.failedPubs)

	assert.Equal(t, uint16(301), pubs[3].Data)
	assert.False(t, pubs[3].Dup)
	assert.NotEqual(t, pubs[0].MsgID, pubs[3].MsgID)
	assert.Equal(t, StateSending, h.session.State())
}

func TestIncomingDataDeduplicated(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)

	h.deliver(t, &wire.Data{MsgID: 9, Topic: wire.Temperature, Data: 235, QoS: wire.QoSHigh})
	h.deliver(t, &wire.Data{MsgID: 9, Topic: wire.Temperature, Data: 235, QoS: wire.QoSHigh, Dup: true})
	h.deliver(t, &wire.Data{MsgID: 10, Topic: wire.Humidity, Data: 50, QoS: wire.QoSLow})

	assert.Equal(t, []received{{wire.Temperature, 235}, {wire.Humidity, 50}}, h.data)
	assert.Equal(t, 2, h.link.count(wire.DATAACK), "duplicates are acknowledged again")
}

func TestDisconnectDropsPendingState(t *testing.T) {
	h := newHarness(t, wire.QoSHigh).connected(t)
	require.NoError(t, h.session.Reading(wire.Temperature, 1))
	require.NoError(t, h.session.Reading(wire.Temperature, 2))
	h.session.SendDone()

	require.NoError(t, h.session.Disconnect())
	assert.Equal(t, Disconnected, h.session.Conn())
	assert.Equal(t, StateFree, h.session.State())
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, 1, h.link.count(wire.DISCONNECT))

	h.clock.Advance(time.Minute)
	assert.Len(t, h.link.publishes(), 1)
	assert.Empty(t, h.failedPubs)
}

func TestLinkLostWhileConnecting(t *testing.T) {
	h := newHarness(t, wire.QoSLow)
	require.NoError(t, h.session.Connect())
	h.session.LinkLost()

	assert.Equal(t, Disconnected, h.session.Conn())
	require.Len(t, h.connects, 1)
	assert.ErrorIs(t, h.connects[0], ErrConnectRefused)
	h.clock.Advance(time.Minute)
	assert.Len(t, h.connects, 1)
}

func TestFailedHandOffCompletesImmediately(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)
	h.link.err = errors.New("link down")

	require.NoError(t, h.session.Reading(wire.Temperature, 1))
	assert.Equal(t, StateFree, h.session.State())
}

func TestUnexpectedRecord(t *testing.T) {
	h := newHarness(t, wire.QoSLow).connected(t)
	assert.Error(t, h.session.HandleFrame(brokerID, wire.Encode(&wire.Publish{MsgID: 1})))
	assert.ErrorIs(t, h.session.HandleFrame(brokerID, []byte{0x10}), wire.ErrMalformedMessage)
}
