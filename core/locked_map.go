package core

import "sync"

// LockedMap guards a plain map with a RWMutex. Callbacks passed to its
// methods run while the lock is held and must not call back into the map.
type LockedMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func NewLockedMap[K comparable, V any]() *LockedMap[K, V] {
	return &LockedMap[K, V]{items: map[K]V{}}
}

func (m *LockedMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	return v, ok
}

func (m *LockedMap[K, V]) Set(key K, v V) {
	m.mu.Lock()
	m.items[key] = v
	m.mu.Unlock()
}

func (m *LockedMap[K, V]) Remove(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Pop removes key and returns what it held.
func (m *LockedMap[K, V]) Pop(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	return v, ok
}

// GetOrInit returns the value under key, creating it with init when absent.
func (m *LockedMap[K, V]) GetOrInit(key K, init func() V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		v = init()
		m.items[key] = v
	}
	return v
}

// Update replaces the value under key with fn(old, present) in one critical section.
func (m *LockedMap[K, V]) Update(key K, fn func(old V, present bool) V) {
	m.mu.Lock()
	old, ok := m.items[key]
	m.items[key] = fn(old, ok)
	m.mu.Unlock()
}

func (m *LockedMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Each visits entries under the read lock until fn returns false.
func (m *LockedMap[K, V]) Each(fn func(K, V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.items {
		if !fn(k, v) {
			return
		}
	}
}

// RemoveWhere drops every entry matching pred and returns the dropped ones.
func (m *LockedMap[K, V]) RemoveWhere(pred func(K, V) bool) map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[K]V{}
	for k, v := range m.items {
		if pred(k, v) {
			out[k] = v
			delete(m.items, k)
		}
	}
	return out
}
