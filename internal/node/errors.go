package node

import "errors"

var (
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyConnected = errors.New("session already connected or connecting")
	ErrConnectTimeout   = errors.New("no CONNACK within connect timeout")
	ErrConnectRefused   = errors.New("connection refused by broker")
)
