package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PoolVersionSource entrega el contador monotono de version de pool por tenant.
type PoolVersionSource interface {
	Current(ctx context.Context, tenantID string) (uint64, error)
	Bump(ctx context.Context, tenantID string) (uint64, error)
}

type memoryPoolVersionSource struct {
	mu       sync.Mutex
	versions map[string]uint64
}

// NewMemoryPoolVersionSource sirve para una sola instancia del servicio.
func NewMemoryPoolVersionSource() PoolVersionSource {
	return &memoryPoolVersionSource{versions: make(map[string]uint64)}
}

func (s *memoryPoolVersionSource) Current(_ context.Context, tenantID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[tenantID], nil
}

func (s *memoryPoolVersionSource) Bump(_ context.Context, tenantID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[tenantID]++
	return s.versions[tenantID], nil
}

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisPoolVersionSource struct {
	client redisCounter
	prefix string
}

// NewRedisPoolVersionSource comparte la version entre instancias via INCR.
func NewRedisPoolVersionSource(client *redis.Client) PoolVersionSource {
	if client == nil {
		return nil
	}
	return &redisPoolVersionSource{
		client: client,
		prefix: "scenario:pool:version:",
	}
}

func (s *redisPoolVersionSource) key(tenantID string) string {
	return s.prefix + strings.TrimSpace(tenantID)
}

func (s *redisPoolVersionSource) Current(ctx context.Context, tenantID string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *redisPoolVersionSource) Bump(ctx context.Context, tenantID string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	n, err := s.client.Incr(ctx, s.key(tenantID)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
