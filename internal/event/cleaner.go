// Package event runs the registered shutdown callbacks when the process is told to stop
package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
)

// CleanupTimeout bounds each callback
const CleanupTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error { return f(ctx) }

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	exit           func(code int)
	done           chan struct{}
}

type Option func(c *Cleaner)

// WithExit replaces the process exit called after cleanup
func WithExit(exit func(code int)) Option {
	return func(c *Cleaner) { c.exit = exit }
}

func NewCleaner(opts ...Option) *Cleaner {
	c := &Cleaner{exit: os.Exit, done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a callback. Callbacks run in registration order.
func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init waits for SIGINT, SIGTERM or the end of ctx, then cleans up and exits.
// The returned context ends when shutdown begins.
func (c *Cleaner) Init(ctx context.Context, loggerShutdown Callable) context.Context {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	c.initOnce.Do(func() {
		c.loggerShutdown = loggerShutdown
		go func() {
			<-sigCtx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			c.Clean()
			c.exit(0)
		}()
	})
	return sigCtx
}

// Done is closed once every callback has run
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

// Clean invokes every callback once and closes the logger last
func (c *Cleaner) Clean() error {
	var result error
	c.cleanOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i, callable := range cleanersCopy {
			if err := invoke(callable, CleanupTimeout); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", i+1, callable, err)
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, broker offline")

		if c.loggerShutdown != nil {
			if err := invoke(c.loggerShutdown, 3*time.Second); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		result = errors.Join(errs...)
	})
	return result
}

func invoke(callable Callable, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return callable.Invoke(ctx)
}
