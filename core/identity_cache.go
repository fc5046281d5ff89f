package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CacheBackend stores identities by id. A miss returns nil, false, nil.
type CacheBackend interface {
	Get(ctx context.Context, id string) (*User, bool, error)
	Set(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	user    User
	expires time.Time
}

// MemoryCacheBackend keeps identities in process memory.
type MemoryCacheBackend struct {
	entries *LockedMap[string, memoryEntry]
	ttl     time.Duration
}

const DefaultCacheTTL = 5 * time.Minute

func NewMemoryCacheBackend(ttl time.Duration) *MemoryCacheBackend {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCacheBackend{entries: NewLockedMap[string, memoryEntry](), ttl: ttl}
}

func (b *MemoryCacheBackend) Get(_ context.Context, id string) (*User, bool, error) {
	e, ok := b.entries.Get(id)
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	u := e.user
	return &u, true, nil
}

func (b *MemoryCacheBackend) Set(_ context.Context, user *User) error {
	b.entries.Set(user.ID, memoryEntry{user: *user, expires: time.Now().Add(b.ttl)})
	return nil
}

func (b *MemoryCacheBackend) Delete(_ context.Context, id string) error {
	b.entries.Remove(id)
	return nil
}

// RedisCacheBackend stores identities as JSON under prefix+id.
type RedisCacheBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCacheBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisCacheBackend {
	return &RedisCacheBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisCacheBackend) Get(ctx context.Context, id string) (*User, bool, error) {
	data, err := b.client.Get(ctx, b.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached user: %w", err)
	}
	return &u, true, nil
}

func (b *RedisCacheBackend) Set(ctx context.Context, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+user.ID, data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisCacheBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

const lookupTimeout = 5 * time.Second

// IdentityCache is a read-through cache over the user store. Concurrent
// misses for the same id share one store lookup.
type IdentityCache struct {
	store   UserStore
	backend CacheBackend
	group   singleflight.Group
	logger  *slog.Logger

	hits, misses, failures atomic.Uint64
}

func NewIdentityCache(store UserStore, backend CacheBackend, logger *slog.Logger) *IdentityCache {
	return &IdentityCache{store: store, backend: backend, logger: logger}
}

// Get returns nil, nil when the identity does not exist.
func (c *IdentityCache) Get(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}
	u, ok, err := c.backend.Get(ctx, id)
	if err != nil {
		c.failures.Add(1)
		c.logger.Warn(fmt.Sprintf("identity cache get: %v", err), slog.String("user", id))
	}
	if ok {
		c.hits.Add(1)
		return u, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(id, func() (any, error) {
		// the lookup is shared, so one caller giving up must not fail the rest
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		u, err := c.store.GetUserByID(ctx, id)
		if err != nil || u == nil {
			return u, err
		}
		if err := c.backend.Set(ctx, u); err != nil {
			c.failures.Add(1)
			c.logger.Warn(fmt.Sprintf("identity cache set: %v", err), slog.String("user", id))
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	u, _ = v.(*User)
	if u == nil {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// GetMany resolves ids in order, skipping unknown identities.
func (c *IdentityCache) GetMany(ctx context.Context, ids ...string) ([]User, error) {
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		u, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			users = append(users, *u)
		}
	}
	return users, nil
}

func (c *IdentityCache) Invalidate(ctx context.Context, id string) {
	if err := c.backend.Delete(ctx, id); err != nil {
		c.failures.Add(1)
		c.logger.Warn(fmt.Sprintf("identity cache delete: %v", err), slog.String("user", id))
	}
}

func (c *IdentityCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.failures.Load()}
}
