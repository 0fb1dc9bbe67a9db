// Package cleanup guarantees ordered engine teardown: registered handlers
// run LIFO under a global budget, with a forcible kill of every supervised
// driver process as the fallback. No driver may outlive the engine.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Handler is one teardown step. It must respect the context deadline.
type Handler func(ctx context.Context)

// Killer is the emergency fallback; the supervisor's KillAll implements it.
type Killer interface {
	KillAll()
}

// Manager runs handlers in LIFO order on shutdown.
type Manager struct {
	log    *slog.Logger
	budget time.Duration
	killer Killer

	mu       sync.Mutex
	handlers []Handler
	ran      bool
}

// NewManager builds a manager with the global teardown budget.
func NewManager(log *slog.Logger, budget time.Duration, killer Killer) *Manager {
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &Manager{
		log:    log.With("component", "cleanup"),
		budget: budget,
		killer: killer,
	}
}

// Register appends a handler; handlers run in reverse registration order.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Run executes all handlers LIFO within the budget, then always runs the
// emergency kill pass so no supervised pid survives. Idempotent.
func (m *Manager) Run() {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		return
	}
	m.ran = true
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.budget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(handlers) - 1; i >= 0; i-- {
			m.runHandler(ctx, handlers[i])
			if ctx.Err() != nil {
				m.log.Warn("cleanup budget exhausted, skipping remaining handlers")
				break
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("cleanup overran its budget")
	}

	// Emergency pass: whatever handlers missed, the kill sweep catches.
	if m.killer != nil {
		m.killer.KillAll()
	}
}

// runHandler isolates panics so one broken handler cannot block the rest.
func (m *Manager) runHandler(ctx context.Context, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("cleanup handler panicked", "panic", r)
		}
	}()
	h(ctx)
}

// InstallSignalHandler runs cleanup on SIGINT/SIGTERM and exits with the
// conventional 130. The returned stop function detaches the handler.
func (m *Manager) InstallSignalHandler() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		m.log.Info("termination signal received", "signal", sig)
		m.Run()
		os.Exit(130)
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
