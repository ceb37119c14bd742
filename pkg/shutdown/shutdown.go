// Package shutdown runs registered cleanup steps in reverse order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/reqcorr/pkg/logging"
)

// Step is one named cleanup action
type Step struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	steps   []Step
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a shutdown manager whose steps share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a step. Steps run in reverse registration order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{Name: name, Fn: fn})
}

// Done returns a channel closed once shutdown has been initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then runs every step
func (m *Manager) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context done, shutting down")
	}
	return m.Shutdown()
}

// Shutdown runs every registered step once. Errors are logged and the first
// one is returned; later steps still run.
func (m *Manager) Shutdown() error {
	var first error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		steps := append([]Step(nil), m.steps...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := s.Fn(ctx); err != nil {
				m.logger.Error("Shutdown step failed", map[string]interface{}{
					"step":  s.Name,
					"error": err,
				})
				if first == nil {
					first = fmt.Errorf("shutdown %s: %w", s.Name, err)
				}
				continue
			}
			m.logger.Debug("Shutdown step complete", map[string]interface{}{"step": s.Name})
		}
		m.logger.Info("Graceful shutdown complete")
	})
	return first
}

// StopHTTPServer adapts an http.Server to a shutdown step
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return server.Shutdown
}

// CloseResource adapts an io.Closer to a shutdown step
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor adapts a blocking wait (such as sync.WaitGroup.Wait) to a shutdown
// step bounded by the shutdown timeout
func WaitFor(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
