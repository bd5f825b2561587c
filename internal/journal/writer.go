package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
)

// Writer appends records to a journal file. It is safe for concurrent use.
type Writer struct {
	runID   string
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
	written int
}

// Open appends to the journal at path, creating it and its directory if needed
func Open(path, runID string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{runID: runID, file: f, encoder: newEncoder(f)}, nil
}

// Handle journals a broker event; it matches broker.WithEventHandler
func (w *Writer) Handle(e broker.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err := w.encoder.Encode(FromEvent(w.runID, e)); err != nil {
		logger.WarnF("Fail to journal %s, details: %v", e, err)
		return
	}
	w.written++
}

// Written returns the number of records appended by this writer
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close closes the file; later events are ignored
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Invoke closes the journal on shutdown
func (w *Writer) Invoke(_ context.Context) error {
	logger.Info("Closing event journal")
	return w.Close()
}
