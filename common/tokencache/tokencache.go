// Package tokencache keeps per-tenant OAuth tokens outside the process so that several workers share one login.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

var ErrMiss = errors.New("token not cached")

// expirySkew is subtracted from the token lifetime so a cached token is never served right before it expires.
const expirySkew = time.Minute

type Cache interface {
	Get(ctx context.Context, key string) (*oauth2.Token, error)
	Set(ctx context.Context, key string, tok *oauth2.Token) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New returns a Redis cache when addresses are configured and an in-process cache otherwise.
func New(ctx context.Context, conf *config.Redis) (Cache, error) {
	if len(conf.Addrs) == 0 {
		return NewMemory(), nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    conf.Addrs,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedis(client), nil
}

type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "autoposter:token:"}
}

func (r *Redis) Get(ctx context.Context, key string) (*oauth2.Token, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var tok oauth2.Token
	if err = json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return &tok, nil
}

// Set stores tok until shortly before it expires. Tokens without an expiry are kept for a day.
func (r *Redis) Set(ctx context.Context, key string, tok *oauth2.Token) error {
	ttl := ttlFor(tok, time.Now())
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, raw, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	tok      oauth2.Token
	deadline time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(e.deadline) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	tok := e.tok
	return &tok, nil
}

func (m *Memory) Set(_ context.Context, key string, tok *oauth2.Token) error {
	now := m.now()
	ttl := ttlFor(tok, now)
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{tok: *tok, deadline: now.Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func ttlFor(tok *oauth2.Token, now time.Time) time.Duration {
	if tok.Expiry.IsZero() {
		return 24 * time.Hour
	}
	return tok.Expiry.Sub(now) - expirySkew
}

type cachedSource struct {
	ctx   context.Context
	cache Cache
	key   string
	base  oauth2.TokenSource
	mu    sync.Mutex
}

// TokenSource serves tokens from cache and falls back to base, storing what base returns. Cache failures are
// logged and never fail the request.
func TokenSource(ctx context.Context, cache Cache, key string, base oauth2.TokenSource) oauth2.TokenSource {
	return &cachedSource{ctx: ctx, cache: cache, key: key, base: base}
}

func (s *cachedSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.cache.Get(s.ctx, s.key)
	if err == nil && tok.Valid() {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrMiss) {
		slog.Warn("token cache read failed", slog.String("key", s.key), slog.Any("error", err))
	}

	tok, err = s.base.Token()
	if err != nil {
		return nil, err
	}

	if err = s.cache.Set(s.ctx, s.key, tok); err != nil {
		slog.Warn("token cache write failed", slog.String("key", s.key), slog.Any("error", err))
	}
	return tok, nil
}
