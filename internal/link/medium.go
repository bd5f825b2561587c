package link

import (
	"sync"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Handler receives one record addressed to an attached node
type Handler func(src wire.ClientID, record []byte)

const queueSize = 256

// Medium is an in-memory shared radio. Each attached Port transmits in order on its
// own goroutine and each node receives on its own goroutine, so a handler may
// send from inside its callback.
type Medium struct {
	mu     sync.RWMutex
	ports  map[wire.ClientID]*Port
	drop   func(f Frame) bool
	wg     sync.WaitGroup
	closed bool
}

// NewMedium creates an empty medium
func NewMedium() *Medium {
	return &Medium{ports: make(map[wire.ClientID]*Port)}
}

// SetLoss installs a filter; frames it returns true for are lost in transit
func (m *Medium) SetLoss(drop func(f Frame) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = drop
}

// Port is one node's attachment to the medium
type Port struct {
	m       *Medium
	id      wire.ClientID
	handler Handler
	out     chan Frame
	in      chan Frame

	mu     sync.Mutex // guards closed and out
	closed bool
	doneMu sync.Mutex
	onDone func()
}

// Attach connects node id. Records addressed to id are passed to handler.
func (m *Medium) Attach(id wire.ClientID, handler Handler) *Port {
	p := &Port{
		m:       m,
		id:      id,
		handler: handler,
		out:     make(chan Frame, queueSize),
		in:      make(chan Frame, queueSize),
	}
	m.mu.Lock()
	m.ports[id] = p
	m.mu.Unlock()

	m.wg.Add(2)
	go p.transmit()
	go p.receive()
	return p
}

// OnSendDone registers the transmission completion callback
func (p *Port) OnSendDone(f func()) {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	p.onDone = f
}

// Send queues data for dst and returns at once. A full queue rejects the record.
func (p *Port) Send(dst wire.ClientID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	record := make([]byte, len(data))
	copy(record, data)
	select {
	case p.out <- Frame{Src: p.id, Dst: dst, Record: record}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Port) transmit() {
	defer p.m.wg.Done()
	for f := range p.out {
		p.m.deliver(f)
		p.doneMu.Lock()
		onDone := p.onDone
		p.doneMu.Unlock()
		if onDone != nil {
			onDone()
		}
	}
}

func (p *Port) receive() {
	defer p.m.wg.Done()
	for f := range p.in {
		p.handler(f.Src, f.Record)
	}
}

func (m *Medium) deliver(f Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	if m.drop != nil && m.drop(f) {
		logger.DebugF("[medium] Frame %s lost", f)
		return
	}
	dst, ok := m.ports[f.Dst]
	if !ok {
		logger.DebugF("[medium] No node %d, frame %s dropped", f.Dst, f)
		return
	}
	dst.in <- f
}

// Close detaches every port and waits for their goroutines to finish
func (m *Medium) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ports := m.ports
	m.ports = make(map[wire.ClientID]*Port)
	m.mu.Unlock()

	for _, p := range ports {
		p.mu.Lock()
		p.closed = true
		close(p.out)
		p.mu.Unlock()
	}
	for _, p := range ports {
		close(p.in)
	}
	m.wg.Wait()
}
