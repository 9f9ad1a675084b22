package observability

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager handles graceful shutdown: it waits for SIGINT/SIGTERM,
// then runs the registered shutdown functions in registration order under a
// single timeout. The reconciliation scheduler registers first so an
// in-flight run is cancelled (and records its PARTIAL report) before the
// HTTP servers and stores close.
type ShutdownManager struct {
	logger          *Logger
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register adds a named function to call during shutdown.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until a termination signal arrives, then runs all
// registered shutdown functions. It returns the first error encountered,
// after attempting every function.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	return sm.Shutdown()
}

// Shutdown runs the registered functions immediately.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	sm.mu.Lock()
	funcs := make([]namedShutdown, len(sm.shutdownFuncs))
	copy(funcs, sm.shutdownFuncs)
	sm.mu.Unlock()

	var firstErr error
	for _, s := range funcs {
		sm.logger.WithField("component", s.name).Debug("shutting down")
		if err := s.fn(ctx); err != nil {
			sm.logger.WithField("component", s.name).WithError(err).Error("shutdown failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown of %s failed: %w", s.name, err)
			}
		}
	}
	return firstErr
}
