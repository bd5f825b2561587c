package broker

import "errors"

var (
	// ErrNotConnected rejects traffic other than CONNECT from a client without a live connection
	ErrNotConnected = errors.New("client not connected")
	// ErrUnknownClient rejects traffic from an index outside 0..MaxClients-1
	ErrUnknownClient = errors.New("unknown client")
	// ErrUnknownTopic rejects a topic index outside the configured topic set
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnexpectedMessage rejects broker-bound records of a client-bound type
	ErrUnexpectedMessage = errors.New("unexpected message")
)
