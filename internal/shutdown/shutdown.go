// Package shutdown sequences the gateway's graceful shutdown, running
// registered funcs LIFO against registration. cmd/gatewayd registers them
// so that the gateway HTTP server stops first, in-flight node dispatches
// then drain, the relay hub shuts down, the metrics server stops, and the
// tracer provider shuts down last. Adapted from the teacher's
// shared/pkg/shutdown.Manager, generalized from ffmpeg workers/jobs to
// the gateway's own long-running loops.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager runs registered shutdown funcs in LIFO order once a signal or
// explicit Shutdown call arrives.
type Manager struct {
	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
}

// New creates a shutdown Manager that gives registered funcs timeout to
// finish once shutdown begins.
func New(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout, doneChan: make(chan struct{})}
}

// Register adds a shutdown function. Functions run in reverse
// registration order.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Wait blocks until SIGTERM or SIGINT arrives, then runs the shutdown
// sequence.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	fmt.Printf("received signal: %v\n", sig)
	fmt.Println("initiating graceful shutdown")

	m.once.Do(func() { close(m.doneChan) })
	m.Shutdown()
}

// Done returns a channel closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every registered function in reverse registration order.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		if err := m.shutdownFuncs[i](ctx); err != nil {
			fmt.Printf("shutdown func %d error: %v\n", i, err)
		}
	}
	fmt.Println("graceful shutdown complete")
}

// StopHTTPServer builds a shutdown func for an *http.Server.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		fmt.Printf("stopping %s http server\n", name)
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource builds a shutdown func for anything that just needs
// Close() error.
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		fmt.Printf("closing %s\n", name)
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	}
}

// WaitForDrain builds a shutdown func that polls inFlight until it reports
// zero dispatches outstanding against the Node Registry, so the shutdown
// steps that run after it (in gatewayd, the relay hub, metrics server and
// tracer) start only once no client request is mid-flight to a node.
// It gives up and returns once the shutdown context expires rather than
// hanging the process on a stuck dispatch.
func WaitForDrain(inFlight func() int64, pollInterval time.Duration, resourceName string) func(context.Context) error {
	return func(ctx context.Context) error {
		if n := inFlight(); n == 0 {
			return nil
		}
		fmt.Printf("draining %s\n", resourceName)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out draining %s (%d dispatches still in flight): %w", resourceName, inFlight(), ctx.Err())
			case <-ticker.C:
				if n := inFlight(); n == 0 {
					return nil
				}
			}
		}
	}
}
