package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is a process-local store, used by tests and by the CLI when no
// persistence is wanted.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, closedErr("memory")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, notFound()
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if m.closed.Load() {
		return closedErr("memory")
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	if m.closed.Load() {
		return closedErr("memory")
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return closedErr("memory")
	}
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) Backend() string { return "memory" }
