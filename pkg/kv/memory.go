package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. It serves tests and single-node development
// where no redis is available; the mutex gives Update the same atomicity the
// redis transaction provides.
type Memory struct {
	mu       sync.Mutex
	values   map[string][]byte
	hashes   map[string]map[string][]byte
	deadline map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values:   map[string][]byte{},
		hashes:   map[string]map[string][]byte{},
		deadline: map[string]time.Time{},
	}
}

// expireLocked drops keys whose TTL has passed. Callers hold mu.
func (m *Memory) expireLocked(key string) {
	if dl, ok := m.deadline[key]; ok && time.Now().After(dl) {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.deadline, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	value, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	delete(m.deadline, key)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.deadline, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) Update(_ context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	var current []byte
	if value, ok := m.values[key]; ok {
		current = append([]byte(nil), value...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.values, key)
		delete(m.deadline, key)
		return nil
	}
	m.values[key] = append([]byte(nil), next...)
	return nil
}

func (m *Memory) HGet(_ context.Context, hash, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(hash)
	value, ok := m.hashes[hash][field]
	if !ok {
		return nil, fmt.Errorf("%q/%q: %w", hash, field, ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

func (m *Memory) HSet(_ context.Context, hash, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[hash] == nil {
		m.hashes[hash] = map[string][]byte{}
	}
	m.hashes[hash][field] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) HDelete(_ context.Context, hash, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[hash], field)
	return nil
}

func (m *Memory) HExists(_ context.Context, hash, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(hash)
	_, ok := m.hashes[hash][field]
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline[key] = time.Now().Add(ttl)
	return nil
}
