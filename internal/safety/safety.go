package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
)

// Guard protects one external service: every call waits on a token
// bucket, then passes through a circuit breaker. An open breaker means
// the service is considered unreachable and callers should enter
// read-only safe mode.
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newGuard(name string, rps float64, burst int, log *logger.Logger) *Guard {
	settings := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warning("⚡ circuit breaker %s: %s -> %s", name, from.String(), to.String())
			}
		},
	}

	return &Guard{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Do runs fn under the guard's rate limit and circuit breaker. An open
// breaker or an exhausted context surfaces as a connectivity error.
func (g *Guard) Do(ctx context.Context, operation string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return boterrors.WrapError(err, boterrors.ErrorCategoryTimeout, g.name, operation)
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return boterrors.NewConnectivityError(g.name, operation, err)
	}
	return err
}

// Healthy reports whether the breaker admits calls.
func (g *Guard) Healthy() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

// Manager hands out one Guard per named service, created on demand.
type Manager struct {
	mu     sync.RWMutex
	guards map[string]*Guard
	rps    float64
	burst  int
	log    *logger.Logger
}

// NewManager creates a guard registry. rps/burst apply to every guard
// it creates.
func NewManager(rps float64, burst int, log *logger.Logger) *Manager {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Manager{
		guards: make(map[string]*Guard),
		rps:    rps,
		burst:  burst,
		log:    log,
	}
}

// Guard returns the guard for a service, creating it on first use.
func (m *Manager) Guard(name string) *Guard {
	m.mu.RLock()
	g, ok := m.guards[name]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.guards[name]; ok {
		return g
	}
	g = newGuard(name, m.rps, m.burst, m.log)
	m.guards[name] = g
	return g
}

// Healthy reports whether every known guard admits calls.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.guards {
		if !g.Healthy() {
			return false
		}
	}
	return true
}

// Unhealthy returns the names of guards whose breakers are open.
func (m *Manager) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, g := range m.guards {
		if !g.Healthy() {
			names = append(names, name)
		}
	}
	return names
}
