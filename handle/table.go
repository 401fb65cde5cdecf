package handle

import (
	"math"
	"slices"
	"sync"

	"github.com/wippyai/carrier-bridge/errors"
)

type slot[T any] struct {
	value T
	owner Handle
	bound bool
}

// Table maps handles of one category to values of type T.
type Table[T any] struct {
	entries   map[Handle]*slot[T]
	observers []Observer
	next      uint64
	category  Category
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

// NewTable creates an empty table for the given category.
func NewTable[T any](category Category) *Table[T] {
	return &Table[T]{
		entries:  make(map[Handle]*slot[T]),
		category: category,
	}
}

// Category returns the namespace this table issues handles for.
func (t *Table[T]) Category() Category {
	return t.category
}

// Allocate stores v under a fresh handle with no owner.
func (t *Table[T]) Allocate(v T) (Handle, error) {
	return t.AllocateOwned(0, v)
}

// AllocateOwned stores v under a fresh handle owned by owner.
func (t *Table[T]) AllocateOwned(owner Handle, v T) (Handle, error) {
	h, err := t.insert(owner, &slot[T]{value: v, owner: owner, bound: true})
	if err != nil {
		return 0, err
	}
	t.notify(Event{Type: EventAllocated, Handle: h, Owner: owner, Category: t.category, Value: v})
	return h, nil
}

// Reserve issues a fresh handle without a value. The handle does not resolve
// until Bind is called, but it is counted, owned and releasable.
func (t *Table[T]) Reserve(owner Handle) (Handle, error) {
	return t.insert(owner, &slot[T]{owner: owner})
}

// Bind attaches v to a reserved handle.
func (t *Table[T]) Bind(h Handle, v T) error {
	t.mu.Lock()
	s, ok := t.entries[h]
	if !ok || s.bound {
		t.mu.Unlock()
		return errors.New(errors.PhaseOperation, errors.KindHandleNotFound).
			Handle(t.category.String(), uint64(h)).
			Detail("handle not reserved").
			Build()
	}
	s.value = v
	s.bound = true
	owner := s.owner
	t.mu.Unlock()

	t.notify(Event{Type: EventAllocated, Handle: h, Owner: owner, Category: t.category, Value: v})
	return nil
}

func (t *Table[T]) insert(owner Handle, s *slot[T]) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, errors.Closed(errors.PhaseOperation, t.category.String()+" table")
	}
	if t.next == math.MaxUint64 {
		return 0, errors.Exhausted(errors.PhaseOperation, t.category.String())
	}

	t.next++
	h := Handle(t.next)
	t.entries[h] = s
	return h, nil
}

// Resolve returns the value bound to h.
func (t *Table[T]) Resolve(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.entries[h]
	if !ok || !s.bound {
		return zero, false
	}
	return s.value, true
}

// Contains reports whether h has been issued and not yet released,
// including reserved handles.
func (t *Table[T]) Contains(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[h]
	return ok
}

// Owner returns the owner recorded for h.
func (t *Table[T]) Owner(h Handle) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.entries[h]
	if !ok {
		return 0, false
	}
	return s.owner, true
}

// Owned returns the live handles owned by owner in ascending order.
func (t *Table[T]) Owned(owner Handle) []Handle {
	if owner == 0 {
		return nil
	}

	t.mu.RLock()
	var out []Handle
	for h, s := range t.entries {
		if s.owner == owner {
			out = append(out, h)
		}
	}
	t.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Release removes h and returns its value. Releasing an unknown or already
// released handle is a no-op that returns false.
func (t *Table[T]) Release(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	t.mu.Lock()
	s, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	t.mu.Unlock()

	if !ok {
		return zero, false
	}
	if !s.bound {
		return zero, true
	}

	if d, ok := any(s.value).(Dropper); ok {
		d.Drop()
	}

	t.notify(Event{Type: EventReleased, Handle: h, Owner: s.owner, Category: t.category, Value: s.value})
	return s.value, true
}

// Each calls fn for every bound handle in ascending order until fn returns false.
// fn runs without the table lock held.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	type pair struct {
		v T
		h Handle
	}

	t.mu.RLock()
	pairs := make([]pair, 0, len(t.entries))
	for h, s := range t.entries {
		if s.bound {
			pairs = append(pairs, pair{h: h, v: s.value})
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(pairs, func(a, b pair) int {
		switch {
		case a.h < b.h:
			return -1
		case a.h > b.h:
			return 1
		}
		return 0
	})

	for _, p := range pairs {
		if !fn(p.h, p.v) {
			return
		}
	}
}

// Len returns the number of live handles, reserved ones included.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Issued returns the number of handles ever issued by this table.
func (t *Table[T]) Issued() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.next
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table[T]) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Clear releases every live handle. The counter is not reset.
func (t *Table[T]) Clear() {
	t.mu.RLock()
	handles := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		handles = append(handles, h)
	}
	t.mu.RUnlock()

	slices.Sort(handles)
	for _, h := range handles {
		t.Release(h)
	}
}

// Close releases every live handle and stops issuing new ones.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.Clear()
	return nil
}

func (t *Table[T]) notify(e Event) {
	t.obsMu.RLock()
	obs := slices.Clone(t.observers)
	t.obsMu.RUnlock()

	for _, o := range obs {
		o.OnHandleEvent(e)
	}
}
