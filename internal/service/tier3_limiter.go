package service

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// TenantRateLimiter limita las llamadas de Tier-3 por tenant con un token bucket.
// Un tenant sin tokens no falla: Tier-3 degrada al fallback sin llamar al proveedor.
type TenantRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewTenantRateLimiter(perSecond float64, burst int) *TenantRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantRateLimiter) Allow(tenantID string) bool {
	if l == nil {
		return true
	}
	key := strings.TrimSpace(tenantID)
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
