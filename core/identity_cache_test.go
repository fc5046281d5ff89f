package core

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts lookups and can hold them until released.
type countingStore struct {
	UserStore
	lookups atomic.Int64
	gate    chan struct{}
}

func (s *countingStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	s.lookups.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.UserStore.GetUserByID(ctx, id)
}

func TestIdentityCache(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	alice, err := f.userStore.CreateUser(f.ctx, UserCreateInput{Username: "alice"})
	require.NoError(t, err)

	t.Run("read through", func(t *testing.T) {
		store := &countingStore{UserStore: f.userStore}
		cache := NewIdentityCache(store, NewMemoryCacheBackend(time.Minute), discardLogger)

		for i := 0; i < 3; i++ {
			u, err := cache.Get(f.ctx, alice.ID)
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, "alice", u.Username)
		}
		assert.EqualValues(t, 1, store.lookups.Load())
		assert.Equal(t, CacheStats{Hits: 2, Misses: 1}, cache.Stats())

		cache.Invalidate(f.ctx, alice.ID)
		_, err := cache.Get(f.ctx, alice.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, store.lookups.Load())
	})

	t.Run("unknown identity", func(t *testing.T) {
		cache := NewIdentityCache(f.userStore, NewMemoryCacheBackend(time.Minute), discardLogger)
		u, err := cache.Get(f.ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, u)

		users, err := cache.GetMany(f.ctx, "missing", alice.ID)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, alice.ID, users[0].ID)
	})

	t.Run("concurrent misses share one lookup", func(t *testing.T) {
		store := &countingStore{UserStore: f.userStore, gate: make(chan struct{})}
		cache := NewIdentityCache(store, NewMemoryCacheBackend(time.Minute), discardLogger)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u, err := cache.Get(f.ctx, alice.ID)
				assert.NoError(t, err)
				assert.NotNil(t, u)
			}()
		}
		require.Eventually(t, func() bool { return store.lookups.Load() == 1 }, baseTimeout, 5*time.Millisecond)
		// let the other goroutines queue behind the in-flight lookup
		time.Sleep(20 * time.Millisecond)
		close(store.gate)
		wg.Wait()
		assert.EqualValues(t, 1, store.lookups.Load())
	})

	t.Run("a cancelled caller does not fail the shared lookup", func(t *testing.T) {
		store := &countingStore{UserStore: f.userStore, gate: make(chan struct{})}
		cache := NewIdentityCache(store, NewMemoryCacheBackend(time.Minute), discardLogger)

		ctx, cancel := context.WithCancel(f.ctx)
		first := make(chan error, 1)
		go func() {
			_, err := cache.Get(ctx, alice.ID)
			first <- err
		}()
		require.Eventually(t, func() bool { return store.lookups.Load() == 1 }, baseTimeout, 5*time.Millisecond)

		second := make(chan *User, 1)
		go func() {
			u, err := cache.Get(f.ctx, alice.ID)
			assert.NoError(t, err)
			second <- u
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(store.gate)

		require.NoError(t, <-first)
		u := <-second
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Username)
		assert.EqualValues(t, 1, store.lookups.Load())
	})

	t.Run("returned users are copies", func(t *testing.T) {
		cache := NewIdentityCache(f.userStore, NewMemoryCacheBackend(time.Minute), discardLogger)
		u, err := cache.Get(f.ctx, alice.ID)
		require.NoError(t, err)
		u.Username = "mallory"

		again, err := cache.Get(f.ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", again.Username)
	})

	t.Run("expired entries miss", func(t *testing.T) {
		backend := NewMemoryCacheBackend(time.Millisecond)
		require.NoError(t, backend.Set(f.ctx, alice))
		time.Sleep(5 * time.Millisecond)
		_, ok, err := backend.Get(f.ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedisCacheBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	backend := NewRedisCacheBackend(client, "test:"+uuid.New().String()+":", time.Minute)
	user := &User{ID: uuid.New().String(), Username: "alice", Status: StatusAway}

	_, ok, err := backend.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Set(ctx, user))
	got, ok, err := backend.Get(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user.Username, got.Username)
	assert.Equal(t, StatusAway, got.Status)

	require.NoError(t, backend.Delete(ctx, user.ID))
	_, ok, err = backend.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
