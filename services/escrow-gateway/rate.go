package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// keyLimiters enforces per-API-key request budgets. A key may spend its whole
// per-minute budget in one burst; the limiter then refills continuously.
type keyLimiters struct {
	defaultPerMinute int
	overrides        map[string]int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newKeyLimiters(defaultPerMinute int, overrides map[string]int) *keyLimiters {
	if defaultPerMinute <= 0 {
		defaultPerMinute = 600
	}
	return &keyLimiters{
		defaultPerMinute: defaultPerMinute,
		overrides:        overrides,
		limiters:         make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the key may issue another request right now.
func (l *keyLimiters) Allow(apiKey string) bool {
	return l.limiterFor(apiKey).Allow()
}

func (l *keyLimiters) limiterFor(apiKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[apiKey]; ok {
		return lim
	}
	perMinute := l.defaultPerMinute
	if v, ok := l.overrides[apiKey]; ok && v > 0 {
		perMinute = v
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	l.limiters[apiKey] = lim
	return lim
}
