package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/link"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

var ErrNoLink = errors.New("no link to node")

const (
	writeTimeout      = 5 * time.Second
	outboundQueueSize = 64
)

// MessageSender transmits broker records over the registered links
type MessageSender struct {
	manager *ConnectionManager
	src     wire.ClientID
}

// NewMessageSender creates a sender whose frames carry src as their origin
func NewMessageSender(manager *ConnectionManager, src wire.ClientID) *MessageSender {
	return &MessageSender{manager: manager, src: src}
}

// Send queues data for dst's link and returns at once
func (s *MessageSender) Send(dst wire.ClientID, data []byte) error {
	conn, ok := s.manager.GetConnection(dst)
	if !ok {
		return fmt.Errorf("%w %d", ErrNoLink, dst)
	}
	record := make([]byte, len(data))
	copy(record, data)
	return conn.Send(link.Frame{Src: s.src, Dst: dst, Record: record})
}

// Send queues one frame without waiting for the stream. A node whose queue
// overflows is not reading; its link is closed so the broker drops the client.
func (c *Connection) Send(f link.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return link.ErrClosed
	}
	select {
	case c.out <- f:
		return nil
	default:
	}
	logger.WarnF("[client %d] Send queue of %s full, closing link", c.ClientID, c.ConnID)
	_ = c.closeLocked()
	return link.ErrQueueFull
}

func (c *Connection) writer() {
	defer close(c.done)
	failed := false
	for f := range c.out {
		if failed {
			continue
		}
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := link.WriteFrame(c.Conn, f); err != nil {
			if !link.IsNetClosedError(err) {
				logger.ErrorF("[%s] Fail to send data, details: %v", c.ConnID, err)
			}
			// the reader sees the closed stream and ends the session
			failed = true
			_ = c.Conn.Close()
			continue
		}
		logger.DebugF("[%s] Send frame %s", c.ConnID, f)
	}
}
