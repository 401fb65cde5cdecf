package client

import (
	"slices"
	"sync"

	"github.com/wippyai/carrier-bridge/handle"
)

type mirrorEntry[T any] struct {
	v     T
	owner handle.Handle
}

// mirror maps bridge-issued handles to caller-side objects. It follows the
// bridge tables: entries are added after a create returns and removed
// before a destroy is issued.
type mirror[T any] struct {
	entries map[handle.Handle]mirrorEntry[T]
	mu      sync.RWMutex
}

func newMirror[T any]() *mirror[T] {
	return &mirror[T]{entries: make(map[handle.Handle]mirrorEntry[T])}
}

func (m *mirror[T]) put(h, owner handle.Handle, v T) {
	m.mu.Lock()
	m.entries[h] = mirrorEntry[T]{v: v, owner: owner}
	m.mu.Unlock()
}

func (m *mirror[T]) get(h handle.Handle) (T, bool) {
	m.mu.RLock()
	e, ok := m.entries[h]
	m.mu.RUnlock()
	return e.v, ok
}

func (m *mirror[T]) remove(h handle.Handle) (T, bool) {
	m.mu.Lock()
	e, ok := m.entries[h]
	delete(m.entries, h)
	m.mu.Unlock()
	return e.v, ok
}

// owned returns the handles registered under owner in ascending order.
func (m *mirror[T]) owned(owner handle.Handle) []handle.Handle {
	m.mu.RLock()
	var out []handle.Handle
	for h, e := range m.entries {
		if e.owner == owner {
			out = append(out, h)
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (m *mirror[T]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
