// Package connection keeps the broker's live node links
package connection

import (
	"net"
	"sync"

	"github.com/life-stream-dev/life-stream-sensornet/internal/link"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Connection is the stream link of one node. Frames are written by the link's own
// goroutine so a node that stops reading never holds up the broker.
type Connection struct {
	Conn     net.Conn
	ConnID   string
	ClientID wire.ClientID

	out    chan link.Frame
	mu     sync.Mutex // guards closed and out
	closed bool
	done   chan struct{}
}

// NewConnection wraps conn for clientID and starts its writer
func NewConnection(conn net.Conn, clientID wire.ClientID) *Connection {
	c := &Connection{
		Conn:     conn,
		ConnID:   conn.RemoteAddr().String(),
		ClientID: clientID,
		out:      make(chan link.Frame, outboundQueueSize),
		done:     make(chan struct{}),
	}
	go c.writer()
	return c
}

// Close stops the writer and closes the stream. Frames still queued are discarded.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// Done is closed once the writer has stopped
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	if err := c.Conn.Close(); err != nil && !link.IsNetClosedError(err) {
		return err
	}
	return nil
}

// ConnectionManager maps node indices to their current link
type ConnectionManager struct {
	connections sync.Map
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection registers conn and returns the link it replaced, if any
func (cm *ConnectionManager) AddConnection(conn *Connection) *Connection {
	previous, loaded := cm.connections.Swap(conn.ClientID, conn)
	logger.InfoF("[client %d] Link up from %s", conn.ClientID, conn.ConnID)
	if !loaded {
		return nil
	}
	return previous.(*Connection)
}

// RemoveConnection unregisters conn. It reports false when a newer link took its place.
func (cm *ConnectionManager) RemoveConnection(conn *Connection) bool {
	if !cm.connections.CompareAndDelete(conn.ClientID, conn) {
		return false
	}
	logger.InfoF("[client %d] Link down from %s", conn.ClientID, conn.ConnID)
	return true
}

// GetConnection returns the link of clientID
func (cm *ConnectionManager) GetConnection(clientID wire.ClientID) (*Connection, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

// Count returns the number of live links
func (cm *ConnectionManager) Count() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
