package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-sensornet/internal/timer"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

type sentFrame struct {
	dst wire.ClientID
	msg wire.Message
}

// recorder is a Sender that decodes and keeps everything the broker transmits
type recorder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *recorder) Send(dst wire.ClientID, data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{dst: dst, msg: msg})
	return nil
}

func (r *recorder) to(dst wire.ClientID) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []wire.Message
	for _, f := range r.frames {
		if f.dst == dst {
			result = append(result, f.msg)
		}
	}
	return result
}

func (r *recorder) dataTo(dst wire.ClientID) []*wire.Data {
	var result []*wire.Data
	for _, msg := range r.to(dst) {
		if d, ok := msg.(*wire.Data); ok {
			result = append(result, d)
		}
	}
	return result
}

func (r *recorder) countTo(dst wire.ClientID, t wire.MsgType) int {
	n := 0
	for _, msg := range r.to(dst) {
		if msg.Type() == t {
			n++
		}
	}
	return n
}

type harness struct {
	broker *Broker
	sent   *recorder
	clock  *timer.Fake
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.NumTopics == 0 {
		opts.NumTopics = len(wire.DefaultTopics)
	}
	h := &harness{sent: &recorder{}, clock: timer.NewFake(time.Unix(1_700_000_000, 0))}
	b, err := New(opts, h.sent,
		WithTimers(h.clock),
		WithClock(h.clock.Now),
		WithEventHandler(func(e Event) { h.events = append(h.events, e) }),
	)
	require.NoError(t, err)
	h.broker = b
	return h
}

func (h *harness) frame(t *testing.T, src wire.ClientID, msg wire.Message) {
	t.Helper()
	require.NoError(t, h.broker.HandleFrame(src, wire.Encode(msg)))
}

func (h *harness) connect(t *testing.T, clients ...wire.ClientID) {
	t.Helper()
	for _, c := range clients {
		h.frame(t, c, &wire.Connect{})
	}
}

func (h *harness) eventsOf(kind EventKind) []Event {
	var result []Event
	for _, e := range h.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}

func TestBrokerExampleScenario(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2, MaxRetries: 3, RetryInterval: time.Second})
	h.connect(t, 0, 1)

	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 0, &wire.Publish{MsgID: 2, Topic: wire.Temperature, Data: 235, QoS: wire.QoSHigh})

	data := h.sent.dataTo(0)
	require.Len(t, data, 1)
	assert.Equal(t, wire.Temperature, data[0].Topic)
	assert.Equal(t, uint16(235), data[0].Data)
	assert.False(t, data[0].Dup)
	assert.Empty(t, h.sent.to(1)[1:], "client 1 only received its CONNACK")

	assert.Equal(t, 1, h.sent.countTo(0, wire.SUBACK))
	assert.Equal(t, 1, h.sent.countTo(0, wire.PUBACK))
}

func TestBrokerConnectAcknowledged(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})
	h.connect(t, 1)

	assert.Equal(t, []wire.Message{&wire.ConnAck{Code: wire.Accepted}}, h.sent.to(1))
	assert.Equal(t, StateConnected, h.broker.State(1))
	require.Len(t, h.eventsOf(EventClientConnected), 1)
	assert.Equal(t, wire.ClientID(2), h.broker.ID())
}

func TestBrokerRejectsTrafficBeforeConnect(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})
	h.connect(t, 1)
	h.frame(t, 1, &wire.Subscribe{MsgID: 1, Topic: wire.Humidity, QoS: wire.QoSLow})

	err := h.broker.HandleFrame(0, wire.Encode(&wire.Subscribe{MsgID: 1, Topic: wire.Humidity, QoS: wire.QoSLow}))
	assert.ErrorIs(t, err, ErrNotConnected)
	err = h.broker.HandleFrame(0, wire.Encode(&wire.Publish{MsgID: 1, Topic: wire.Humidity, Data: 5}))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, h.sent.to(0))
	assert.Empty(t, h.sent.dataTo(1), "a rejected PUBLISH is not forwarded")
	assert.Equal(t, Cell{}, h.broker.Cell(0, wire.Humidity))
}

func TestBrokerDropsUnknownClientAndMalformed(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})

	err := h.broker.HandleFrame(2, wire.Encode(&wire.Connect{}))
	assert.True(t, errors.Is(err, ErrUnknownClient))

	err = h.broker.HandleFrame(0, []byte{0x08, 0x01})
	assert.True(t, errors.Is(err, wire.ErrMalformedMessage))

	h.connect(t, 0)
	err = h.broker.HandleFrame(0, wire.Encode(&wire.Publish{MsgID: 1, Topic: 9, Data: 1}))
	assert.ErrorIs(t, err, ErrUnknownTopic)
	err = h.broker.HandleFrame(0, wire.Encode(&wire.Data{MsgID: 1}))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	// client 0 is still served normally
	h.frame(t, 0, &wire.PingReq{})
	assert.Equal(t, 1, h.sent.countTo(0, wire.PINGRESP))
}

func TestBrokerLowQoSForwardOnce(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 3, MaxRetries: 3, RetryInterval: time.Second})
	h.connect(t, 0, 1, 2)
	h.frame(t, 1, &wire.Subscribe{MsgID: 1, Topic: wire.Luminosity, QoS: wire.QoSLow})

	h.frame(t, 2, &wire.Publish{MsgID: 1, Topic: wire.Luminosity, Data: 812, QoS: wire.QoSLow})
	h.clock.Advance(time.Minute)

	data := h.sent.dataTo(1)
	require.Len(t, data, 1)
	assert.Equal(t, wire.QoSLow, data[0].QoS)
	assert.Zero(t, h.broker.PendingCount())
	assert.Zero(t, h.sent.countTo(2, wire.PUBACK), "LOW publications are not acknowledged")
	require.Len(t, h.eventsOf(EventPublished), 1)
	assert.Equal(t, uint16(812), h.eventsOf(EventPublished)[0].Value)
}

func TestBrokerHighQoSAllAcknowledged(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 4, MaxRetries: 3, RetryInterval: time.Second})
	h.connect(t, 0, 1, 2, 3)
	for _, c := range []wire.ClientID{0, 1, 2} {
		h.frame(t, c, &wire.Subscribe{MsgID: 1, Topic: wire.Humidity, QoS: wire.QoSHigh})
	}

	h.frame(t, 3, &wire.Publish{MsgID: 10, Topic: wire.Humidity, Data: 55, QoS: wire.QoSHigh})
	require.Equal(t, 1, h.broker.PendingCount())

	msgID := h.sent.dataTo(0)[0].MsgID
	for _, c := range []wire.ClientID{0, 1, 2} {
		assert.Equal(t, msgID, h.sent.dataTo(c)[0].MsgID, "one broker id per publication")
		h.frame(t, c, &wire.DataAck{MsgID: msgID})
	}
	assert.Zero(t, h.broker.PendingCount())
	assert.Zero(t, h.clock.Pending(), "retry timer is cancelled")

	h.clock.Advance(time.Minute)
	for _, c := range []wire.ClientID{0, 1, 2} {
		assert.Len(t, h.sent.dataTo(c), 1)
	}
	assert.Empty(t, h.eventsOf(EventDeliveryExhausted))
}

func TestBrokerHighQoSExhaustedForSilentSubscriber(t *testing.T) {
	const maxRetries = 3
	h := newHarness(t, Options{MaxClients: 3, MaxRetries: maxRetries, RetryInterval: 2 * time.Second})
	h.connect(t, 0, 1, 2)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})

	h.frame(t, 2, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 300, QoS: wire.QoSHigh})
	msgID := h.sent.dataTo(0)[0].MsgID
	h.frame(t, 0, &wire.DataAck{MsgID: msgID})

	h.clock.Advance(time.Minute)

	silent := h.sent.dataTo(1)
	require.Len(t, silent, 1+maxRetries)
	assert.False(t, silent[0].Dup)
	for _, d := range silent[1:] {
		assert.True(t, d.Dup, "retransmissions carry the dup flag")
		assert.Equal(t, msgID, d.MsgID)
	}
	assert.Len(t, h.sent.dataTo(0), 1, "acknowledging subscriber receives exactly one DATA")

	exhausted := h.eventsOf(EventDeliveryExhausted)
	require.Len(t, exhausted, 1)
	assert.Equal(t, wire.ClientID(1), exhausted[0].Client)
	assert.Equal(t, msgID, exhausted[0].MsgID)
	assert.Zero(t, h.broker.PendingCount())

	// the broker keeps serving the exhausted client
	assert.Equal(t, StateConnected, h.broker.State(1))
}

func TestBrokerZeroRetriesExhaustsOnFirstExpiry(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2, MaxRetries: 0, RetryInterval: time.Second})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 1, QoS: wire.QoSLow})

	h.clock.Advance(time.Second)
	assert.Len(t, h.sent.dataTo(0), 1)
	assert.Len(t, h.eventsOf(EventDeliveryExhausted), 1)
}

func TestBrokerMixedQoSSubscribers(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 3, MaxRetries: 2, RetryInterval: time.Second})
	h.connect(t, 0, 1, 2)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSLow})
	h.frame(t, 1, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})

	// a LOW publication is still delivered at each subscriber's QoS
	h.frame(t, 2, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 20, QoS: wire.QoSLow})
	h.clock.Advance(10 * time.Second)

	assert.Len(t, h.sent.dataTo(0), 1)
	assert.Len(t, h.sent.dataTo(1), 3)
	assert.Equal(t, wire.QoSHigh, h.sent.dataTo(1)[0].QoS)
}

func TestBrokerDuplicatePublishNotForwardedTwice(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Humidity, QoS: wire.QoSLow})

	h.frame(t, 1, &wire.Publish{MsgID: 77, Topic: wire.Humidity, Data: 40, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Publish{MsgID: 77, Topic: wire.Humidity, Data: 40, QoS: wire.QoSHigh, Dup: true})

	assert.Equal(t, 2, h.sent.countTo(1, wire.PUBACK), "a duplicate is acknowledged again")
	assert.Len(t, h.sent.dataTo(0), 1)
	assert.Len(t, h.eventsOf(EventPublished), 1)

	// reconnecting starts a new id history
	h.frame(t, 1, &wire.Disconnect{})
	h.connect(t, 1)
	h.frame(t, 1, &wire.Publish{MsgID: 77, Topic: wire.Humidity, Data: 41, QoS: wire.QoSHigh})
	assert.Len(t, h.sent.dataTo(0), 2)
}

func TestBrokerDisconnectPreservesSubscription(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Luminosity, QoS: wire.QoSHigh})

	h.frame(t, 0, &wire.Disconnect{})
	assert.Equal(t, DisconnectedCell(wire.QoSHigh), h.broker.Cell(0, wire.Luminosity))
	assert.Empty(t, h.broker.Subscribers(wire.Luminosity))

	h.frame(t, 1, &wire.Publish{MsgID: 1, Topic: wire.Luminosity, Data: 9})
	assert.Empty(t, h.sent.dataTo(0), "a disconnected subscriber is not a delivery target")

	h.connect(t, 0)
	assert.Equal(t, SubscribedCell(wire.QoSHigh), h.broker.Cell(0, wire.Luminosity))
	assert.Equal(t, map[wire.ClientID]wire.QoS{0: wire.QoSHigh}, h.broker.Subscribers(wire.Luminosity))

	disconnected := h.eventsOf(EventClientDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, ReasonRequested, disconnected[0].Reason)
}

func TestBrokerUnsubscribe(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2})
	h.connect(t, 0)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSLow})
	h.frame(t, 0, &wire.Unsubscribe{MsgID: 2, Topic: wire.Temperature})
	h.frame(t, 0, &wire.Unsubscribe{MsgID: 3, Topic: wire.Temperature})

	assert.Equal(t, 2, h.sent.countTo(0, wire.UNSUBACK))
	h.frame(t, 0, &wire.Disconnect{})
	h.connect(t, 0)
	assert.Equal(t, Cell{}, h.broker.Cell(0, wire.Temperature))
}

func TestBrokerDisconnectCancelsObligations(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 3, MaxRetries: 3, RetryInterval: time.Second})
	h.connect(t, 0, 1, 2)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 2, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 7, QoS: wire.QoSHigh})

	h.broker.Drop(1)
	assert.Equal(t, 1, h.broker.PendingCount())
	msgID := h.sent.dataTo(0)[0].MsgID
	h.frame(t, 0, &wire.DataAck{MsgID: msgID})
	assert.Zero(t, h.broker.PendingCount())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.sent.dataTo(1), 1, "no retransmission to a client known to be gone")
	assert.Empty(t, h.eventsOf(EventDeliveryExhausted))

	disconnected := h.eventsOf(EventClientDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, ReasonLinkLost, disconnected[0].Reason)
}

func TestBrokerDisconnectOfLastAcknowledgerDestroysPublication(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2, MaxRetries: 3, RetryInterval: time.Second})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 7})

	h.frame(t, 0, &wire.Disconnect{})
	assert.Zero(t, h.broker.PendingCount())
	assert.Zero(t, h.clock.Pending())
}

func TestBrokerStaleRetryIgnored(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2, MaxRetries: 5, RetryInterval: time.Second})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 7})
	msgID := h.sent.dataTo(0)[0].MsgID

	h.clock.Advance(time.Second)
	require.Len(t, h.sent.dataTo(0), 2)

	// an expiry from the first arming that lost the race with the re-arm
	h.broker.retryExpired(msgID, 1)
	assert.Len(t, h.sent.dataTo(0), 2)

	// and one that lost the race with the final acknowledgment
	h.frame(t, 0, &wire.DataAck{MsgID: msgID})
	h.broker.retryExpired(msgID, 2)
	assert.Len(t, h.sent.dataTo(0), 2)
}

func TestBrokerAckFromNonPendingClientIgnored(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 3, MaxRetries: 1, RetryInterval: time.Second})
	h.connect(t, 0, 1, 2)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})
	h.frame(t, 1, &wire.Publish{MsgID: 1, Topic: wire.Temperature, Data: 7})
	msgID := h.sent.dataTo(0)[0].MsgID

	h.frame(t, 2, &wire.DataAck{MsgID: msgID})
	h.frame(t, 2, &wire.DataAck{MsgID: msgID + 100})
	assert.Equal(t, 1, h.broker.PendingCount())
}

func TestBrokerLivenessSweep(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 2, LivenessTimeout: 30 * time.Second})
	h.connect(t, 0, 1)
	h.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Humidity, QoS: wire.QoSLow})

	h.clock.Advance(20 * time.Second)
	h.frame(t, 0, &wire.PingReq{})
	h.clock.Advance(15 * time.Second)
	h.broker.Sweep()

	assert.Equal(t, StateConnected, h.broker.State(0))
	assert.Equal(t, StateDisconnected, h.broker.State(1))
	disconnected := h.eventsOf(EventClientDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, ReasonTimeout, disconnected[0].Reason)

	h.clock.Advance(20 * time.Second)
	h.broker.Sweep()
	assert.Equal(t, DisconnectedCell(wire.QoSLow), h.broker.Cell(0, wire.Humidity))
}

func TestBrokerIndependentInstances(t *testing.T) {
	a := newHarness(t, Options{MaxClients: 2})
	b := newHarness(t, Options{MaxClients: 2})
	a.connect(t, 0)
	a.frame(t, 0, &wire.Subscribe{MsgID: 1, Topic: wire.Temperature, QoS: wire.QoSHigh})

	assert.Equal(t, SubscribedCell(wire.QoSHigh), a.broker.Cell(0, wire.Temperature))
	assert.Equal(t, Cell{}, b.broker.Cell(0, wire.Temperature))
	assert.Equal(t, StateDisconnected, b.broker.State(0))
}

func TestBrokerMsgIDSkipsZeroAndPending(t *testing.T) {
	h := newHarness(t, Options{MaxClients: 1})
	h.broker.lastMsgID = 65535
	h.broker.pending[1] = &pendingPublication{msgID: 1}
	assert.Equal(t, uint16(2), h.broker.nextMsgID())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{MaxClients: 0, NumTopics: 3}, &recorder{})
	assert.Error(t, err)
	_, err = New(Options{MaxClients: 2, NumTopics: 0}, &recorder{})
	assert.Error(t, err)
	_, err = New(Options{MaxClients: 2, NumTopics: 3}, nil)
	assert.Error(t, err)

	b, err := New(Options{MaxClients: 2, NumTopics: 3, MaxRetries: -1}, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, b.opts.MaxRetries)
	assert.Equal(t, DefaultRetryInterval, b.opts.RetryInterval)
}

func TestBrokerEventsDispatchedInOrder(t *testing.T) {
	var tick atomic.Int64
	clock := func() time.Time { return time.Unix(0, tick.Add(1)) }

	var mu sync.Mutex
	var seen []Event
	b, err := New(Options{MaxClients: 4, NumTopics: 1}, &recorder{},
		WithClock(clock),
		WithEventHandler(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e)
		}),
	)
	require.NoError(t, err)

	const rounds = 50
	var wg sync.WaitGroup
	for c := range 4 {
		wg.Add(1)
		go func(id wire.ClientID) {
			defer wg.Done()
			for range rounds {
				_ = b.HandleFrame(id, wire.Encode(&wire.Connect{}))
				b.Drop(id)
			}
		}(wire.ClientID(c))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4*rounds*2)
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i-1].Time.Before(seen[i].Time), "event %d (%s) handed out before event %d (%s)", i, seen[i], i-1, seen[i-1])
	}
}
