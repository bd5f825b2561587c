package database

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

const archiveQueueSize = 1024

// Archiver writes broker events to a Store from its own goroutine so that the
// broker never waits on the database.
type Archiver struct {
	store     Store
	runID     string
	topicName func(wire.Topic) string
	queue     chan broker.Event

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

func NewArchiver(store Store, runID string, topicName func(wire.Topic) string) *Archiver {
	a := &Archiver{
		store:     store,
		runID:     runID,
		topicName: topicName,
		queue:     make(chan broker.Event, archiveQueueSize),
		done:      make(chan struct{}),
	}
	go a.worker()
	return a
}

// Handle queues e; it matches broker.WithEventHandler. Events are dropped when the queue is full.
func (a *Archiver) Handle(e broker.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped++
		logger.WarnF("Archive queue full, %s dropped", e)
	}
}

// Dropped returns how many events did not fit the queue
func (a *Archiver) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Archiver) worker() {
	defer close(a.done)
	for e := range a.queue {
		if err := a.save(context.Background(), e); err != nil {
			logger.ErrorF("Fail to archive %s, details: %v", e, err)
		}
	}
}

func (a *Archiver) save(ctx context.Context, e broker.Event) error {
	switch e.Kind {
	case broker.EventPublished:
		return a.store.SaveReading(ctx, &Reading{
			RunID:     a.runID,
			Time:      e.Time,
			Publisher: e.Client,
			Topic:     e.Topic,
			TopicName: a.topicName(e.Topic),
			Value:     e.Value,
			QoS:       e.QoS,
		})
	case broker.EventDeliveryExhausted:
		return a.store.SaveDeliveryFailure(ctx, &DeliveryFailure{
			RunID:     a.runID,
			Time:      e.Time,
			Client:    e.Client,
			Topic:     e.Topic,
			TopicName: a.topicName(e.Topic),
			MsgID:     e.MsgID,
		})
	case broker.EventClientConnected, broker.EventClientDisconnected:
		change := &ConnectionChange{
			RunID:     a.runID,
			Time:      e.Time,
			Client:    e.Client,
			Connected: e.Kind == broker.EventClientConnected,
		}
		if !change.Connected {
			change.Reason = e.Reason.String()
		}
		return a.store.SaveConnectionChange(ctx, change)
	default:
		return nil
	}
}

// Invoke stops accepting events and waits until the queue is written out
func (a *Archiver) Invoke(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	logger.Info("Flushing reading archive")
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

