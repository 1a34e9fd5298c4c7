package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gemdesk/internal/logging"
)

const (
	// GracefulShutdownTimeout is the maximum time to wait for graceful shutdown.
	GracefulShutdownTimeout = 10 * time.Second
	// ForcedShutdownTimeout is the time after which we force exit.
	ForcedShutdownTimeout = 15 * time.Second
)

// GoroutineTracker runs background work that shutdown has to wait for.
type GoroutineTracker struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewGoroutineTracker creates a new goroutine tracker.
func NewGoroutineTracker() *GoroutineTracker {
	return &GoroutineTracker{}
}

// Go runs fn in a tracked goroutine. Once the tracker is closed fn is
// not run and Go returns false.
func (t *GoroutineTracker) Go(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

// WaitContext waits for every tracked goroutine or until ctx is done.
// It reports whether all of them finished.
func (t *GoroutineTracker) WaitContext(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitWithTimeout is WaitContext bounded by timeout.
func (t *GoroutineTracker) WaitWithTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.WaitContext(ctx)
}

// Close prevents new goroutines from being started.
func (t *GoroutineTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// HandleSignals installs the interrupt policy of the interactive client:
// an interrupt during a turn aborts that turn, an interrupt while idle and
// SIGTERM shut the app down and exit.
func (a *App) HandleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigChan:
				logging.Debug("received signal", "signal", sig)
				if sig == os.Interrupt && a.AbortTurn() {
					logging.Info("turn aborted by interrupt")
					continue
				}
				a.shutdownAndExit()
				return

			case <-done:
				return

			case <-a.ctx.Done():
				return
			}
		}
	}()

	a.signalCleanup = func() {
		signal.Stop(sigChan)
		close(done)
	}
}

func (a *App) shutdownAndExit() {
	forceExitTimer := time.AfterFunc(ForcedShutdownTimeout, func() {
		logging.Warn("forced shutdown due to timeout")
		os.Exit(1)
	})
	defer forceExitTimer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
	defer cancel()

	a.Shutdown(ctx)
	logging.Close()
	os.Exit(0)
}
