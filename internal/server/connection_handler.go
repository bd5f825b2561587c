package server

import (
	"errors"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/connection"
	"github.com/life-stream-dev/life-stream-sensornet/internal/link"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// firstFrameTimeout bounds the wait for the CONNECT that opens a link
const firstFrameTimeout = time.Minute

type ConnectionHandler struct {
	server *Server
	raw    net.Conn
	connID string
}

func (c *ConnectionHandler) handleFirstFrame() (*connection.Connection, error) {
	_ = c.raw.SetReadDeadline(time.Now().Add(firstFrameTimeout))
	f, err := link.ReadFrame(c.raw)
	if err != nil {
		logger.WarnF("[%s] Fail to read first frame, details: %v", c.connID, err)
		return nil, err
	}

	if wire.MsgType(f.Record[0]) != wire.CONNECT {
		logger.ErrorF("[%s] Invalid first frame, expected %s but got %s", c.connID, wire.CONNECT, f)
		return nil, errors.New("first frame is not CONNECT")
	}
	if f.Dst != c.server.broker.ID() {
		logger.ErrorF("[%s] CONNECT addressed to %d, broker is %d", c.connID, f.Dst, c.server.broker.ID())
		return nil, errors.New("CONNECT not addressed to the broker")
	}

	conn := connection.NewConnection(c.raw, f.Src)
	if previous := c.server.conns.AddConnection(conn); previous != nil {
		logger.WarnF("[client %d] New link from %s replaces %s", f.Src, conn.ConnID, previous.ConnID)
		_ = previous.Close()
	}

	if err := c.server.broker.HandleFrame(f.Src, f.Record); err != nil {
		logger.ErrorF("[%s] Fail to handle CONNECT, details: %v", c.connID, err)
		c.server.conns.RemoveConnection(conn)
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *ConnectionHandler) handleFrames(conn *connection.Connection) {
	clientID := conn.ClientID
	for {
		if c.server.liveness > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.server.liveness + 10*time.Second))
		} else {
			_ = c.raw.SetReadDeadline(time.Time{})
		}

		f, err := link.ReadFrame(c.raw)
		if err != nil {
			link.HandleReadError(clientID, err)
			return
		}

		if f.Src != clientID {
			logger.WarnF("[client %d] Frame claims source %d, dropped", clientID, f.Src)
			continue
		}
		if f.Dst != c.server.broker.ID() {
			logger.DebugF("[client %d] Frame %s not addressed to the broker", clientID, f)
			continue
		}

		err = c.server.broker.HandleFrame(f.Src, f.Record)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrNotConnected):
			// the broker ended the session; the node has to reconnect on a new link
			logger.WarnF("[client %d] Traffic without a session, closing link", clientID)
			return
		default:
			logger.WarnF("[client %d] Frame dropped, details: %v", clientID, err)
		}
	}
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connID)
		if err := c.raw.Close(); err != nil && !link.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		}
	}()

	conn, err := c.handleFirstFrame()
	if err != nil {
		return
	}

	c.handleFrames(conn)

	if c.server.conns.RemoveConnection(conn) {
		c.server.broker.Drop(conn.ClientID)
	}
	_ = conn.Close()
}
