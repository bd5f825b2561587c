// Package dedup remembers the most recent message identifiers seen from each sender.
//
// Identifiers are 16-bit and wrap, so the history is bounded: only the last Size
// distinct identifiers per sender are remembered, and an identifier that has
// fallen out of the window is treated as new again.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// DefaultSize is the number of recent identifiers remembered per sender
const DefaultSize = 16

// Window tracks recently processed (sender, msg_id) pairs
type Window struct {
	mu      sync.Mutex
	size    int
	senders map[wire.ClientID]*lru.Cache[uint16, struct{}]
}

// NewWindow creates a window holding size ids per sender. Non-positive sizes fall back to DefaultSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		size:    size,
		senders: make(map[wire.ClientID]*lru.Cache[uint16, struct{}]),
	}
}

// Seen records id for sender and reports whether it was already in the window
func (w *Window) Seen(sender wire.ClientID, id uint16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	history, ok := w.senders[sender]
	if !ok {
		// only fails for size <= 0, excluded by NewWindow
		history, _ = lru.New[uint16, struct{}](w.size)
		w.senders[sender] = history
	}
	if history.Contains(id) {
		return true
	}
	history.Add(id, struct{}{})
	return false
}

// Forget drops the history of sender
func (w *Window) Forget(sender wire.ClientID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.senders, sender)
}

// Size is the per-sender capacity
func (w *Window) Size() int {
	return w.size
}
