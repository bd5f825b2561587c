// Package database archives published readings and failed deliveries
package database

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

const (
	ReadingCollectionName         = "readings"
	DeliveryFailureCollectionName = "delivery_failures"
	ConnectionCollectionName      = "connections"
)

var ErrRunIDEmpty = errors.New("run_id is empty")

// Reading is one value accepted by the broker from a publisher
type Reading struct {
	RunID     string        `bson:"run_id"`
	Time      time.Time     `bson:"time"`
	Publisher wire.ClientID `bson:"publisher"`
	Topic     wire.Topic    `bson:"topic"`
	TopicName string        `bson:"topic_name"`
	Value     uint16        `bson:"value"`
	QoS       wire.QoS      `bson:"qos"`
}

// DeliveryFailure is a HIGH forward that ran out of retries
type DeliveryFailure struct {
	RunID     string        `bson:"run_id"`
	Time      time.Time     `bson:"time"`
	Client    wire.ClientID `bson:"client"`
	Topic     wire.Topic    `bson:"topic"`
	TopicName string        `bson:"topic_name"`
	MsgID     uint16        `bson:"msg_id"`
}

// ConnectionChange records a client joining or leaving
type ConnectionChange struct {
	RunID     string        `bson:"run_id"`
	Time      time.Time     `bson:"time"`
	Client    wire.ClientID `bson:"client"`
	Connected bool          `bson:"connected"`
	Reason    string        `bson:"reason,omitempty"`
}

// ReadingFilter selects readings; nil fields match everything
type ReadingFilter struct {
	RunID     string
	Topic     *wire.Topic
	Publisher *wire.ClientID
	Limit     int
}

func (f ReadingFilter) match(r *Reading) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.Topic != nil && r.Topic != *f.Topic {
		return false
	}
	if f.Publisher != nil && r.Publisher != *f.Publisher {
		return false
	}
	return true
}

type Store interface {
	SaveReading(ctx context.Context, reading *Reading) error
	SaveDeliveryFailure(ctx context.Context, failure *DeliveryFailure) error
	SaveConnectionChange(ctx context.Context, change *ConnectionChange) error
	// Readings returns matching readings, newest first
	Readings(ctx context.Context, filter ReadingFilter) ([]Reading, error)
}
