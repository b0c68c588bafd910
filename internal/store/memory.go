package store

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. Values live only as long as the process.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	fanout *fanout
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string]string),
		fanout: newFanout(),
	}
}

// Get returns the value under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set writes key and notifies every other origin.
func (m *Memory) Set(_ context.Context, origin, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.fanout.publish(origin, Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies every other origin.
func (m *Memory) Delete(_ context.Context, origin, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.fanout.publish(origin, Change{Key: key, Deleted: true})
	return nil
}

// Watch streams changes from other origins.
func (m *Memory) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	return m.fanout.watch(ctx, origin)
}

// Close stops every watcher.
func (m *Memory) Close() error {
	m.fanout.close()
	return nil
}
