package services

import (
	"context"
	"strings"

	"github.com/matrix-org/sygnal/internal/models"
)

// Pushkin dispatches notifications for one configured app to its upstream
// push cloud (APNs, FCM or a WebPush endpoint).
type Pushkin interface {
	// Name is the app-id pattern the pushkin was configured under.
	Name() string
	// Dispatch delivers the notification to a single device and reports
	// the per-device outcome. It never returns an error: every failure
	// mode is an outcome.
	Dispatch(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome
	// Shutdown releases the pushkin's connections.
	Shutdown(ctx context.Context) error
}

// BatchPushkin is implemented by pushkins whose upstream accepts several
// pushkeys in one call (legacy FCM). The dispatcher upgrades to it via type
// assertion; outcomes are returned in device order.
type BatchPushkin interface {
	Pushkin
	DispatchBatch(ctx context.Context, n *models.Notification, devices []*models.Device) []models.Outcome
}

// registration couples a pushkin with the shared machinery the dispatcher
// applies around it.
type registration struct {
	pattern string
	exact   bool
	pushkin Pushkin
	limiter *Limiter
	breaker *Breaker
}

func (r *registration) matches(appID string) bool {
	if r.exact {
		return r.pattern == appID
	}
	return strings.HasPrefix(appID, strings.TrimSuffix(r.pattern, "*"))
}

// Registry routes an app ID to the pushkin whose pattern matches. Patterns
// are either exact strings or prefix globs ending in '*'; matching is
// case-sensitive, an exact match is preferred over any glob, and among globs
// the first-configured pattern wins.
type Registry struct {
	entries []*registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a pushkin under its app-id pattern, preserving insertion
// order.
func (r *Registry) Add(pattern string, p Pushkin, limiter *Limiter, breaker *Breaker) {
	r.entries = append(r.entries, &registration{
		pattern: pattern,
		exact:   !strings.HasSuffix(pattern, "*"),
		pushkin: p,
		limiter: limiter,
		breaker: breaker,
	})
}

// find returns the registration responsible for the app ID, or nil.
func (r *Registry) find(appID string) *registration {
	for _, e := range r.entries {
		if e.exact && e.matches(appID) {
			return e
		}
	}
	for _, e := range r.entries {
		if !e.exact && e.matches(appID) {
			return e
		}
	}
	return nil
}

// Find returns the pushkin responsible for the app ID, or nil.
func (r *Registry) Find(appID string) Pushkin {
	if e := r.find(appID); e != nil {
		return e.pushkin
	}
	return nil
}

// Shutdown shuts down every registered pushkin.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, e := range r.entries {
		_ = e.pushkin.Shutdown(ctx)
	}
}
