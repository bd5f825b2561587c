package database

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the archive for the lifetime of the process. It backs the
// broker when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	readings    []Reading
	failures    []DeliveryFailure
	connections []ConnectionChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) SaveReading(_ context.Context, reading *Reading) error {
	if reading.RunID == "" {
		return ErrRunIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.readings = append(ms.readings, *reading)
	return nil
}

func (ms *MemoryStore) SaveDeliveryFailure(_ context.Context, failure *DeliveryFailure) error {
	if failure.RunID == "" {
		return ErrRunIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures = append(ms.failures, *failure)
	return nil
}

func (ms *MemoryStore) SaveConnectionChange(_ context.Context, change *ConnectionChange) error {
	if change.RunID == "" {
		return ErrRunIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.connections = append(ms.connections, *change)
	return nil
}

func (ms *MemoryStore) Readings(_ context.Context, filter ReadingFilter) ([]Reading, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var result []Reading
	for i := len(ms.readings) - 1; i >= 0; i-- {
		if !filter.match(&ms.readings[i]) {
			continue
		}
		result = append(result, ms.readings[i])
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (ms *MemoryStore) DeliveryFailures() []DeliveryFailure {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Clone(ms.failures)
}

func (ms *MemoryStore) ConnectionChanges() []ConnectionChange {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Clone(ms.connections)
}
