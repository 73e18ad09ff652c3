package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is a per-endpoint token-bucket set for one venue. Buckets are
// sized to the documented exchange ceiling scaled by a safety factor,
// so a burst from another process sharing the key cannot push us over.
type Limits struct {
	mu      sync.Mutex
	safety  float64
	buckets map[string]*rate.Limiter
}

// NewLimits creates the limiter set with the given safety factor.
func NewLimits(safety float64) *Limits {
	if safety <= 0 || safety > 1 {
		safety = 0.55
	}
	return &Limits{
		safety:  safety,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Register declares an endpoint's documented per-second ceiling.
func (l *Limits) Register(endpoint string, perSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	scaled := perSecond * l.safety
	if burst < 1 {
		burst = 1
	}
	l.buckets[endpoint] = rate.NewLimiter(rate.Limit(scaled), burst)
}

// Wait blocks until the endpoint's bucket grants a token. Unknown
// endpoints pass through unthrottled.
func (l *Limits) Wait(ctx context.Context, endpoint string) error {
	l.mu.Lock()
	lim := l.buckets[endpoint]
	l.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Sequencer serializes requests with a minimum spacing. Upbit bans
// concurrent private calls, so its adapter funnels everything through
// one of these.
type Sequencer struct {
	mu      sync.Mutex
	last    time.Time
	spacing time.Duration
}

// NewSequencer creates a sequencer with the given minimum spacing.
func NewSequencer(spacing time.Duration) *Sequencer {
	return &Sequencer{spacing: spacing}
}

// Do runs fn alone, waiting out the spacing from the previous call.
func (s *Sequencer) Do(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wait := s.spacing - time.Since(s.last); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { s.last = time.Now() }()
	return fn()
}
