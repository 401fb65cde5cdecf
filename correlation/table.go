// Package correlation tracks one-shot request/response pairings.
//
// An entry is removed before its callback runs, so a correlation ID is
// delivered at most once. Later fires for the same ID report not found;
// fires for recently retired IDs additionally carry a duplicate-fire cause
// so adapters can log the protocol violation.
package correlation

import (
	stderrors "errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/handle"
)

// ID identifies one pending request. IDs start at 1 and are independent of
// object handles.
type ID uint64

// retainRetired bounds how many delivered or cancelled IDs are remembered
// for duplicate detection. Older IDs fire as plain not found.
const retainRetired = 4096

// Callback receives the single response for a request.
type Callback[P any] func(P)

type entry[P any] struct {
	created time.Time
	cb      Callback[P]
	owner   handle.Handle
}

// Table holds pending one-shot callbacks keyed by correlation ID.
type Table[P any] struct {
	entries map[ID]*entry[P]
	retired map[ID]int
	order   []ID
	now     func() time.Time
	next    uint64
	high    uint64
	mu      sync.Mutex
}

// NewTable creates an empty correlation table.
func NewTable[P any]() *Table[P] {
	return &Table[P]{
		entries: make(map[ID]*entry[P]),
		retired: make(map[ID]int),
		now:     time.Now,
	}
}

// Register stores cb under a fresh ID.
func (t *Table[P]) Register(owner handle.Handle, cb Callback[P]) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.high > t.next {
		t.next = t.high
	}
	if t.next == math.MaxUint64 {
		return 0, errors.Exhausted(errors.PhaseCorrelation, "correlation")
	}
	t.next++
	id := ID(t.next)
	t.track(id, owner, cb)
	return id, nil
}

// Track stores cb under an ID chosen by the other side of the boundary.
// Tracking an ID that is already pending is a malformed request.
func (t *Table[P]) Track(id ID, owner handle.Handle, cb Callback[P]) error {
	if id == 0 {
		return errors.New(errors.PhaseCorrelation, errors.KindMalformedRequest).
			Detail("correlation id 0 is reserved").
			Build()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return errors.New(errors.PhaseCorrelation, errors.KindMalformedRequest).
			Detail("correlation %d already pending", id).
			Value(id).
			Build()
	}
	t.track(id, owner, cb)
	return nil
}

func (t *Table[P]) track(id ID, owner handle.Handle, cb Callback[P]) {
	t.entries[id] = &entry[P]{owner: owner, cb: cb, created: t.now()}
	if uint64(id) > t.high {
		t.high = uint64(id)
	}
}

// remove deletes a pending entry and remembers id as retired.
func (t *Table[P]) remove(id ID) {
	delete(t.entries, id)
	if len(t.order) == retainRetired {
		old := t.order[0]
		t.order = t.order[1:]
		if t.retired[old]--; t.retired[old] <= 0 {
			delete(t.retired, old)
		}
	}
	t.retired[id]++
	t.order = append(t.order, id)
}

// Fire removes the entry for id and invokes its callback with payload.
// Only the first fire delivers; every later fire returns a not-found error.
func (t *Table[P]) Fire(id ID, payload P) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		t.remove(id)
	}
	retired := !ok && t.retired[id] > 0
	t.mu.Unlock()

	if !ok {
		if retired {
			return errors.New(errors.PhaseCorrelation, errors.KindNotFound).
				Detail("correlation %d not pending", id).
				Value(id).
				Cause(errors.DuplicateFire(uint64(id))).
				Build()
		}
		return errors.CorrelationNotFound(uint64(id))
	}

	if e.cb != nil {
		e.cb(payload)
	}
	return nil
}

// IsRetired reports whether a Fire error refers to an ID that was already
// delivered, cancelled or expired.
func IsRetired(err error) bool {
	return stderrors.Is(err, &errors.Error{Phase: errors.PhaseCorrelation, Kind: errors.KindDuplicateFire})
}

// Cancel drops the entry for id without invoking it.
func (t *Table[P]) Cancel(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; !ok {
		return false
	}
	t.remove(id)
	return true
}

// CancelOwner drops every entry registered by owner and returns how many
// were removed.
func (t *Table[P]) CancelOwner(owner handle.Handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.owner == owner {
			t.remove(id)
			n++
		}
	}
	return n
}

// Expire drops entries registered before cutoff and returns their IDs in
// ascending order.
func (t *Table[P]) Expire(cutoff time.Time) []ID {
	t.mu.Lock()
	var out []ID
	for id, e := range t.entries {
		if e.created.Before(cutoff) {
			t.remove(id)
			out = append(out, id)
		}
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// Pending returns the IDs registered by owner in ascending order.
func (t *Table[P]) Pending(owner handle.Handle) []ID {
	t.mu.Lock()
	var out []ID
	for id, e := range t.entries {
		if e.owner == owner {
			out = append(out, id)
		}
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// Owner returns the handle that registered id.
func (t *Table[P]) Owner(id ID) (handle.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.owner, true
}

// Len returns the number of pending entries.
func (t *Table[P]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
