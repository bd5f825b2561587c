package link

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Conn is a node's stream link to the broker process
type Conn struct {
	conn net.Conn
	id   wire.ClientID
	out  chan Frame

	mu      sync.Mutex
	closed  bool
	started bool

	flushed  chan struct{} // closed when the writer drained out
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// Dial opens a TCP link to address for node id
func Dial(ctx context.Context, address string, id wire.ClientID) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, id), nil
}

// NewConn wraps an established stream
func NewConn(conn net.Conn, id wire.ClientID) *Conn {
	return &Conn{conn: conn, id: id, out: make(chan Frame, queueSize), flushed: make(chan struct{})}
}

// Start runs the reader and writer. onDone fires after each frame was written;
// onLost fires once when the stream fails and must not call Close itself.
func (c *Conn) Start(handler Handler, onDone func(), onLost func()) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.wg.Add(2)
	go c.write(onDone, onLost)
	go c.read(handler, onLost)
}

// Send queues data for dst and returns at once. A full queue rejects the record.
func (c *Conn) Send(dst wire.ClientID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	record := make([]byte, len(data))
	copy(record, data)
	select {
	case c.out <- Frame{Src: c.id, Dst: dst, Record: record}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) write(onDone func(), onLost func()) {
	defer c.wg.Done()
	defer close(c.flushed)
	failed := false
	for f := range c.out {
		if failed {
			continue
		}
		if err := WriteFrame(c.conn, f); err != nil {
			logger.ErrorF("[client %d] Fail to send frame %s, details: %v", c.id, f, err)
			failed = true
			c.lost(onLost)
		}
		if onDone != nil {
			onDone()
		}
	}
}

func (c *Conn) read(handler Handler, onLost func()) {
	defer c.wg.Done()
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			if !c.isClosed() {
				HandleReadError(c.id, err)
				c.lost(onLost)
			}
			return
		}
		if f.Dst != c.id {
			logger.DebugF("[client %d] Frame %s not addressed to us", c.id, f)
			continue
		}
		handler(f.Src, f.Record)
	}
}

func (c *Conn) lost(onLost func()) {
	c.lostOnce.Do(func() {
		if onLost != nil {
			onLost()
		}
	})
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close writes out the queued frames, then stops both loops and closes the stream
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.out)
	c.mu.Unlock()

	if started {
		<-c.flushed
	}
	err := c.conn.Close()
	c.wg.Wait()
	if err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError logs why a read loop ended
func HandleReadError(clientID wire.ClientID, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[client %d] Peer close connection", clientID)
	case os.IsTimeout(err):
		logger.WarnF("[client %d] Reading timeout", clientID)
	case errors.Is(err, wire.ErrMalformedMessage):
		logger.WarnF("[client %d] Stream out of sync, details: %v", clientID, err)
	default:
		logger.ErrorF("[client %d] Error occured while reading frame, details: %v", clientID, err)
	}
}
