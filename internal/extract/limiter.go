package extract

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces LLM calls. On success it raises the rate by 20%
// (up to 2x initial); on a rate-limit response it halves it (down to
// initial/4).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter. A non-positive rate means
// unlimited.
func NewAdaptiveLimiter(perSecond float64, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	initial := rate.Limit(perSecond)
	if perSecond <= 0 {
		initial = rate.Inf
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		initialRate: initial,
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until the limiter allows a call or ctx ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

func (a *AdaptiveLimiter) OnSuccess() {
	if a == nil || a.initialRate == rate.Inf {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.currentRate * 1.2
	if next > a.maxRate {
		next = a.maxRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
}

func (a *AdaptiveLimiter) OnRateLimit() {
	if a == nil || a.initialRate == rate.Inf {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.currentRate * 0.5
	if next < a.minRate {
		next = a.minRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
	zap.L().Warn("llm rate limited, slowing down",
		zap.Float64("new_rate", float64(next)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
