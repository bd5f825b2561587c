package broker

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// ConnState is the broker's view of one client's connection
type ConnState byte

const (
	StateDisconnected ConnState = iota
	StateConnected
)

func (s ConnState) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

type clientConn struct {
	state       ConnState
	connectedAt time.Time
	lastSeen    time.Time
}

// Lifecycle runs the per-client DISCONNECTED <-> CONNECTED machine.
// It keeps no subscription data; transitions are reported through the up and down hooks.
type Lifecycle struct {
	clients  []clientConn
	liveness time.Duration
	up       func(clientID wire.ClientID)
	down     func(clientID wire.ClientID, reason DisconnectReason)
}

// NewLifecycle creates a manager for maxClients clients. A zero liveness disables the timeout.
func NewLifecycle(maxClients int, liveness time.Duration, up func(wire.ClientID), down func(wire.ClientID, DisconnectReason)) *Lifecycle {
	return &Lifecycle{
		clients:  make([]clientConn, maxClients),
		liveness: liveness,
		up:       up,
		down:     down,
	}
}

func (l *Lifecycle) client(clientID wire.ClientID) (*clientConn, error) {
	if int(clientID) >= len(l.clients) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	return &l.clients[clientID], nil
}

// Connect handles a CONNECT. It reports whether the client entered CONNECTED;
// a CONNECT from an already connected client only refreshes its liveness.
func (l *Lifecycle) Connect(clientID wire.ClientID, now time.Time) (bool, error) {
	c, err := l.client(clientID)
	if err != nil {
		return false, err
	}
	c.lastSeen = now
	if c.state == StateConnected {
		return false, nil
	}
	c.state = StateConnected
	c.connectedAt = now
	if l.up != nil {
		l.up(clientID)
	}
	return true, nil
}

// Disconnect moves the client to DISCONNECTED. It reports whether the client was connected.
func (l *Lifecycle) Disconnect(clientID wire.ClientID, reason DisconnectReason) (bool, error) {
	c, err := l.client(clientID)
	if err != nil {
		return false, err
	}
	if c.state != StateConnected {
		return false, nil
	}
	c.state = StateDisconnected
	if l.down != nil {
		l.down(clientID, reason)
	}
	return true, nil
}

// Touch records traffic from a connected client
func (l *Lifecycle) Touch(clientID wire.ClientID, now time.Time) {
	if c, err := l.client(clientID); err == nil && c.state == StateConnected {
		c.lastSeen = now
	}
}

// State returns the connection state of clientID; unknown clients read as disconnected
func (l *Lifecycle) State(clientID wire.ClientID) ConnState {
	c, err := l.client(clientID)
	if err != nil {
		return StateDisconnected
	}
	return c.state
}

// Expired lists, in ClientID order, the connected clients silent for longer than the liveness timeout
func (l *Lifecycle) Expired(now time.Time) []wire.ClientID {
	if l.liveness <= 0 {
		return nil
	}
	var expired []wire.ClientID
	for i, c := range l.clients {
		if c.state == StateConnected && now.Sub(c.lastSeen) > l.liveness {
			expired = append(expired, wire.ClientID(i))
		}
	}
	return expired
}
