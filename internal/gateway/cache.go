package gateway

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a ProbeStore that has no entry for a URL.
var ErrCacheMiss = errors.New("cache miss")

// ProbeStore persists probe results between requests.
type ProbeStore interface {
	Get(ctx context.Context, url string) (*ProbeResult, error)
	Set(ctx context.Context, url string, res *ProbeResult) error
}

// RedisStore keeps probe results in Redis under md5(url) with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, url string) (*ProbeResult, error) {
	data, err := s.client.Get(ctx, probeKey(url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var res ProbeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &res, nil
}

func (s *RedisStore) Set(ctx context.Context, url string, res *ProbeResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal probe result: %w", err)
	}
	if err := s.client.Set(ctx, probeKey(url), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func probeKey(url string) string {
	return fmt.Sprintf("ytdl:probe:%x", md5.Sum([]byte(url)))
}

// Cached serves probes from a ProbeStore and falls through to the wrapped
// gateway on a miss. Store failures are logged and never fail a probe.
type Cached struct {
	next   Gateway
	store  ProbeStore
	logger *zap.Logger
}

func NewCached(next Gateway, store ProbeStore, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, store: store, logger: logger}
}

func (c *Cached) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	res, err := c.store.Get(ctx, url)
	if err == nil {
		c.logger.Debug("probe cache hit", zap.String("url", url))
		return res, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("probe cache read failed", zap.String("url", url), zap.Error(err))
	}

	res, err = c.next.Probe(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, url, res); err != nil {
		c.logger.Warn("probe cache write failed", zap.String("url", url), zap.Error(err))
	}
	return res, nil
}

func (c *Cached) Materialize(ctx context.Context, req MaterializeRequest, onProgress func(Progress)) (string, error) {
	return c.next.Materialize(ctx, req, onProgress)
}
