package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier3Limiter decide si un tenant puede llamar al proveedor en este turno.
type Tier3Limiter interface {
	Allow(tenantID string) bool
}

const redisQuotaIncrScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

// redisTier3Quota es un cupo de ventana fija compartido entre instancias.
type redisTier3Quota struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// NewRedisTier3Quota limita a max llamadas de Tier-3 por tenant y ventana. Nil si no hay cliente o cupo.
func NewRedisTier3Quota(client *redis.Client, window time.Duration, max int) Tier3Limiter {
	if client == nil || max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisTier3Quota{
		client: client,
		window: window,
		max:    max,
		prefix: "scenario:tier3:quota:",
	}
}

// Allow falla abierto si Redis no responde: el cupo es un tope de costo, no de correccion.
func (q *redisTier3Quota) Allow(tenantID string) bool {
	if q == nil || q.client == nil {
		return true
	}
	key := strings.TrimSpace(tenantID)
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	seconds := int(q.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := q.client.Eval(ctx, redisQuotaIncrScript, []string{q.prefix + key}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= q.max
}

type allTier3Limiters []Tier3Limiter

// AllTier3Limiters exige que todos los limiters permitan; corta en el primero que niega.
func AllTier3Limiters(limiters ...Tier3Limiter) Tier3Limiter {
	var out allTier3Limiters
	for _, l := range limiters {
		if l != nil {
			out = append(out, l)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (ls allTier3Limiters) Allow(tenantID string) bool {
	for _, l := range ls {
		if !l.Allow(tenantID) {
			return false
		}
	}
	return true
}
