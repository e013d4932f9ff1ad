package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

const (
	defaultDecisionTTL     = 60 * time.Second
	defaultDecisionEntries = 10000
	decisionRedisTimeout   = 500 * time.Millisecond
)

// DecisionCache guarda RoutingDecisions por clave versionada. Un error de backend
// se trata como miss: el cache nunca hace fallar un turno.
type DecisionCache interface {
	Get(ctx context.Context, key string) (domain.RoutingDecision, bool)
	Set(ctx context.Context, key string, d domain.RoutingDecision, ttl time.Duration)
}

// UtteranceHash es el sha256 hex del utterance normalizado.
func UtteranceHash(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeText(raw)))
	return hex.EncodeToString(sum[:])
}

// shortHash es el prefijo que va a los logs; el texto crudo nunca se loguea en Warn.
func shortHash(raw string) string {
	return UtteranceHash(raw)[:12]
}

// DecisionKey incluye la version del pool: invalidar es publicar otra version,
// las claves viejas expiran solas.
func DecisionKey(tenantID string, poolVersion uint64, channel domain.Channel, utteranceHash, contextHash string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(tenantID))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(poolVersion, 10))
	b.WriteByte(':')
	if channel == "" {
		channel = domain.ChannelAny
	}
	b.WriteString(string(channel))
	b.WriteByte(':')
	b.WriteString(utteranceHash)
	if contextHash != "" {
		b.WriteByte(':')
		b.WriteString(contextHash)
	}
	return b.String()
}

type decisionEntry struct {
	decision  domain.RoutingDecision
	expiresAt time.Time
}

type memoryDecisionCache struct {
	mu         sync.Mutex
	items      map[string]decisionEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryDecisionCache es el cache local de una instancia; maxEntries acota memoria.
func NewMemoryDecisionCache(maxEntries int) DecisionCache {
	if maxEntries <= 0 {
		maxEntries = defaultDecisionEntries
	}
	return &memoryDecisionCache{
		items:      make(map[string]decisionEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *memoryDecisionCache) Get(_ context.Context, key string) (domain.RoutingDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return domain.RoutingDecision{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		return domain.RoutingDecision{}, false
	}
	return e.decision, true
}

func (c *memoryDecisionCache) Set(_ context.Context, key string, d domain.RoutingDecision, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultDecisionTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = decisionEntry{decision: d, expiresAt: now.Add(ttl)}
}

// evictLocked borra vencidas; si no alcanza, borra una entrada cualquiera.
func (c *memoryDecisionCache) evictLocked(now time.Time) {
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.maxEntries {
		return
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type redisDecisionCache struct {
	client redisKV
	prefix string
}

// NewRedisDecisionCache comparte decisiones entre instancias. Los valores son JSON.
func NewRedisDecisionCache(client *redis.Client) DecisionCache {
	if client == nil {
		return nil
	}
	return &redisDecisionCache{
		client: client,
		prefix: "scenario:decision:",
	}
}

func (c *redisDecisionCache) Get(ctx context.Context, key string) (domain.RoutingDecision, bool) {
	ctx, cancel := context.WithTimeout(ctx, decisionRedisTimeout)
	defer cancel()
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			decisionCacheTotal.WithLabelValues("error").Inc()
		}
		return domain.RoutingDecision{}, false
	}
	var d domain.RoutingDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		decisionCacheTotal.WithLabelValues("error").Inc()
		return domain.RoutingDecision{}, false
	}
	return d, true
}

func (c *redisDecisionCache) Set(ctx context.Context, key string, d domain.RoutingDecision, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultDecisionTTL
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), decisionRedisTimeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		decisionCacheTotal.WithLabelValues("error").Inc()
	}
}
