// Package shutdown stops the agent's components in reverse start order
// under a shared deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
)

// DefaultTimeout bounds the whole shutdown sequence
const DefaultTimeout = 30 * time.Second

// Func releases one component
type Func func(context.Context) error

// Component can be stopped by the manager
type Component interface {
	Stop(context.Context) error
	Name() string
}

type step struct {
	name string
	fn   Func
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// Manager runs registered steps once, last registered first
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	once     sync.Once
	stopping chan struct{}
	done     chan struct{}
	err      error
}

// New creates a shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:   cfg.Logger.WithComponent("shutdown"),
		timeout:  cfg.Timeout,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterFunc adds a named step
func (m *Manager) RegisterFunc(name string, fn Func) {
	m.mu.Lock()
	m.steps = append(m.steps, step{name: name, fn: fn})
	m.mu.Unlock()
}

// RegisterComponent adds c.Stop as a step named c.Name()
func (m *Manager) RegisterComponent(c Component) {
	m.RegisterFunc(c.Name(), c.Stop)
}

// Context returns a child of parent cancelled by SIGINT or SIGTERM (or the
// given signals) and by Shutdown. A signal only cancels the context; the
// caller still decides when to call Shutdown.
func (m *Manager) Context(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			m.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
		case <-m.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Done is closed once every step has run or the deadline passed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown runs the steps once. Later calls wait for the first one and
// return its result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		close(m.stopping)
		m.err = m.run()
		close(m.done)
	})

	<-m.done
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(steps) - 1; i >= 0 && ctx.Err() == nil; i-- {
			s := steps[i]
			start := time.Now()
			if err := s.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			m.logger.Debug().Str("step", s.name).Dur("took", time.Since(start)).Msg("Stopped")
		}
		result <- errors.Join(errs...)
	}()

	select {
	case err := <-result:
		if err != nil {
			m.logger.Warn().Err(err).Msg("Graceful shutdown completed with errors")
			return err
		}
		m.logger.Info().Msg("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		m.logger.Warn().Dur("timeout", m.timeout).Msg("Graceful shutdown timed out")
		return fmt.Errorf("shutdown did not complete within %v", m.timeout)
	}
}

// HandlePanic shuts down and re-panics. Use it deferred in main.
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().Interface("panic", r).Msg("Panic recovered, shutting down")
		m.Shutdown()
		panic(r)
	}
}
