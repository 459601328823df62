package usecase

import (
	"log/slog"
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerFailureThreshold = 3
	breakerRecoveryTimeout  = 30 * time.Second
)

// providerBreaker is a per-provider circuit breaker. After three
// consecutive transient failures the provider is skipped until the
// recovery timeout passes, then a single probe request is let through.
type providerBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

func (b *providerBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) > breakerRecoveryTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *providerBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != breakerClosed {
		b.state = breakerClosed
		slog.Info("provider circuit closed")
	}
}

func (b *providerBreaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.state == breakerHalfOpen || b.failures >= breakerFailureThreshold {
		if b.state != breakerOpen {
			slog.Warn("provider circuit opened", slog.Int("failures", b.failures))
		}
		b.state = breakerOpen
	}
}

// breakerSet lazily tracks one breaker per key.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*providerBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*providerBreaker)}
}

func (s *breakerSet) get(key string) *providerBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = &providerBreaker{}
		s.breakers[key] = b
	}
	return b
}
