// Package objectstore is a concurrent, in-memory map that keeps its keys in
// ascending order so listings are deterministic.
package objectstore

import (
	"cmp"
	"slices"
	"sync"
)

// Store is a concurrent, in-memory KV kept sorted by key.
//
// Reads use shared (R) locks; writes use exclusive (W) locks.
//
// Typical costs:
//   - Upsert/Delete: O(1) for overwrite/append; O(n) for mid-slice shifts
//   - Reads: O(1) by key, O(n) for listings
//
// Values are stored as provided, without deep copying: pointer values stay
// live references shared with the caller.
type Store[K cmp.Ordered, V any] struct {
	mu   sync.RWMutex // guards everything below
	byID map[K]V
	keys []K // ascending
}

// New constructs a ready-to-use Store.
func New[K cmp.Ordered, V any]() *Store[K, V] {
	return &Store[K, V]{byID: make(map[K]V)}
}

// Upsert inserts or overwrites value at key.
func (s *Store[K, V]) Upsert(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(key, value)
}

// Insert stores value only if key is absent and reports whether it did.
func (s *Store[K, V]) Insert(key K, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[key]; exists {
		return false
	}
	s.upsertLocked(key, value)
	return true
}

func (s *Store[K, V]) upsertLocked(key K, value V) {
	if _, exists := s.byID[key]; exists {
		s.byID[key] = value
		return
	}
	s.byID[key] = value

	// Append fast path: key is strictly greater than current maximum.
	if n := len(s.keys); n == 0 || key > s.keys[n-1] {
		s.keys = append(s.keys, key)
		return
	}
	idx, _ := slices.BinarySearch(s.keys, key)
	s.keys = slices.Insert(s.keys, idx, key)
}

// Delete removes key and returns the removed value; idempotent.
func (s *Store[K, V]) Delete(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byID[key]
	if !ok {
		return v, false
	}
	delete(s.byID, key)
	if idx, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, idx, idx+1)
	}
	return v, true
}

// Get returns (value, ok).
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[key]
	return v, ok
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a copy of the keys in ascending order.
func (s *Store[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// Values returns the values in ascending key order.
func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, len(s.keys))
	for i, k := range s.keys {
		out[i] = s.byID[k]
	}
	return out
}

// Filter returns, in ascending key order, the values for which keep is true.
// keep runs under the read lock and must not call back into the Store.
func (s *Store[K, V]) Filter(keep func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []V
	for _, k := range s.keys {
		if v := s.byID[k]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}
