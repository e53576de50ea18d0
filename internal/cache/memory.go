package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is the in-process Store. It honours TTLs by checking expiry on
// read and gives the same read-your-own-writes guarantee Redis does. Safe
// for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

// Get returns the value for key, reporting presence. Expired entries read
// as missing and are removed.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if e.expired(time.Now()) {
		m.mu.Lock()
		// Recheck under the write lock: a concurrent Set may have refreshed it.
		if cur, still := m.entries[key]; still && cur.expired(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key with an optional TTL.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = memEntry{value: value, expiresAt: exp}
	m.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// IncrByFloat atomically adds delta to the numeric value at key, treating a
// missing or expired entry as 0, and returns the new value.
func (m *Memory) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cur float64
	if e, ok := m.entries[key]; ok && !e.expired(time.Now()) {
		f, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: incr non-numeric key %s: %w", key, err)
		}
		cur = f
	}

	cur += delta
	m.entries[key] = memEntry{value: strconv.FormatFloat(cur, 'f', -1, 64)}
	return cur, nil
}

// Close releases the store. Memory has nothing to release but keeps the
// Store contract.
func (m *Memory) Close() error { return nil }
