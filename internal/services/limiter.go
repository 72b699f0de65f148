package services

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Limiter is the per-pushkin admission control: a counting semaphore that
// fails fast when saturated. The homeserver is the queue, so a saturated
// pushkin turns work away rather than buffering it.
type Limiter struct {
	sem   *semaphore.Weighted
	drops prometheus.Counter
}

// NewLimiter builds a limiter of the given capacity. drops is incremented
// once per turned-away dispatch; it may be nil in tests.
func NewLimiter(capacity int, drops prometheus.Counter) *Limiter {
	return &Limiter{
		sem:   semaphore.NewWeighted(int64(capacity)),
		drops: drops,
	}
}

// TryAcquire takes a permit without blocking. On saturation it records the
// drop and returns false.
func (l *Limiter) TryAcquire() bool {
	if l.sem.TryAcquire(1) {
		return true
	}
	if l.drops != nil {
		l.drops.Inc()
	}
	return false
}

// Release returns a permit.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Breaker marks a pushkin degraded for a window of time after its upstream
// rejected the gateway's credentials. While degraded, dispatches are answered
// Retryable without touching the network.
type Breaker struct {
	mu    sync.Mutex
	until time.Time
}

// DegradedWindow is how long a credential rejection keeps a pushkin degraded.
const DegradedWindow = 30 * time.Second

// Trip marks the pushkin degraded for the standard window.
func (b *Breaker) Trip() {
	b.mu.Lock()
	b.until = time.Now().Add(DegradedWindow)
	b.mu.Unlock()
}

// Degraded reports whether the window is still open.
func (b *Breaker) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.until)
}
