// Package server accepts node links over TCP and feeds their frames to the broker
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/connection"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// FrameHandler is the broker as seen by the link server
type FrameHandler interface {
	ID() wire.ClientID
	HandleFrame(src wire.ClientID, record []byte) error
	Drop(clientID wire.ClientID)
}

type Server struct {
	broker   FrameHandler
	conns    *connection.ConnectionManager
	liveness time.Duration
	sem      chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// NewServer serves at most maxLinks concurrent links. A positive liveness closes
// links that stay silent for longer than liveness plus a grace period.
func NewServer(broker FrameHandler, conns *connection.ConnectionManager, liveness time.Duration, maxLinks int) *Server {
	if maxLinks <= 0 {
		maxLinks = 1
	}
	return &Server{
		broker:   broker,
		conns:    conns,
		liveness: liveness,
		sem:      make(chan struct{}, maxLinks),
		active:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts links on ln until ctx is done, then closes every link and waits for their handlers
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("Broker listen on %s", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() {
		if err := ln.Close(); err != nil {
			logger.ErrorF("Server close error: %v", err)
		}
	})
	defer stop()
	defer func() {
		s.closeActive()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.track(c, false)
			handler := &ConnectionHandler{server: s, raw: c, connID: c.RemoteAddr().String()}
			handler.handleConnection()
			<-s.sem
		}(conn)
	}
}

// StartServer listens on address and serves until ctx is done
func (s *Server) StartServer(ctx context.Context, address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.active[conn] = struct{}{}
	} else {
		delete(s.active, conn)
	}
}

func (s *Server) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.active {
		_ = conn.Close()
	}
}
