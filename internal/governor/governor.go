// Package governor bounds the load the extractor puts on the reporting API:
// a fixed number of in-flight jobs per advertiser, a global submission rate,
// and a per-advertiser cooldown after quota-exceeded responses.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxPerAdvertiser = 2
	defaultCooldown         = time.Minute
	defaultSubmitsPerSecond = 2
)

// Governor serializes job admission. All orchestrator workers share one
// instance.
type Governor struct {
	maxPerAdvertiser int
	cooldown         time.Duration
	limiter          *rate.Limiter

	mu        sync.Mutex
	slots     map[string]chan struct{}
	coolUntil map[string]time.Time
}

// Option customizes a Governor.
type Option func(*Governor)

// WithMaxPerAdvertiser bounds concurrent jobs per advertiser.
func WithMaxPerAdvertiser(n int) Option {
	return func(g *Governor) {
		if n > 0 {
			g.maxPerAdvertiser = n
		}
	}
}

// WithCooldown sets the pause applied to an advertiser after throttling.
func WithCooldown(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

// WithSubmitRate sets the global submission rate limit.
func WithSubmitRate(perSecond float64, burst int) Option {
	return func(g *Governor) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a governor with the given options.
func New(opts ...Option) *Governor {
	g := &Governor{
		maxPerAdvertiser: defaultMaxPerAdvertiser,
		cooldown:         defaultCooldown,
		limiter:          rate.NewLimiter(defaultSubmitsPerSecond, defaultMaxPerAdvertiser),
		slots:            make(map[string]chan struct{}),
		coolUntil:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until the advertiser has a free job slot, any cooldown has
// elapsed and the global rate limit admits a submission. The returned
// release function must be called when the job reaches a terminal state.
func (g *Governor) Acquire(ctx context.Context, advertiserID string) (func(), error) {
	for {
		wait := g.cooldownRemaining(advertiserID)
		if wait <= 0 {
			break
		}
		slog.Info("[Governor] Advertiser in cooldown, waiting", "advertiser_id", advertiserID, "wait", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	slot := g.slot(advertiserID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-slot }, nil
}

// Throttled records a quota-exceeded response for the advertiser. Further
// submissions for that advertiser wait out the cooldown, independent of any
// job-level poll backoff.
func (g *Governor) Throttled(advertiserID string) {
	g.mu.Lock()
	g.coolUntil[advertiserID] = time.Now().Add(g.cooldown)
	g.mu.Unlock()
	slog.Warn("[Governor] Advertiser throttled, applying cooldown", "advertiser_id", advertiserID, "cooldown", g.cooldown)
}

func (g *Governor) cooldownRemaining(advertiserID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Until(g.coolUntil[advertiserID])
}

func (g *Governor) slot(advertiserID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.slots[advertiserID]
	if !ok {
		slot = make(chan struct{}, g.maxPerAdvertiser)
		g.slots[advertiserID] = slot
	}
	return slot
}
