package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
)

// Callbacks maps event names (onStateChanged, onFriendMessage, ...) to
// functions. Events without an entry are ignored.
type Callbacks map[string]func(event.Event)

// Stats counts what one channel's dispatcher did with its events.
type Stats struct {
	Channel   event.Channel
	Delivered uint64
	Dropped   uint64
	Ignored   uint64
	Panics    uint64
}

// barrier holds back delivery while objects of its channel are being
// created, so an object's first event never overtakes its registration.
// It counts holders; a callback may create objects without deadlocking.
type barrier struct {
	open chan struct{}
	n    int
	mu   sync.Mutex
}

func newBarrier() *barrier {
	ch := make(chan struct{})
	close(ch)
	return &barrier{open: ch}
}

func (b *barrier) hold() {
	b.mu.Lock()
	if b.n == 0 {
		b.open = make(chan struct{})
	}
	b.n++
	b.mu.Unlock()
}

func (b *barrier) release() {
	b.mu.Lock()
	b.n--
	if b.n == 0 {
		close(b.open)
	}
	b.mu.Unlock()
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.open
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatcher consumes one channel and routes each event to the object that
// owns its handle. Persistent channels resolve through lookup; one-shot
// channels through fire.
type dispatcher struct {
	lookup   func(h handle.Handle) (Callbacks, bool)
	fire     func(ev event.Event) error
	listener *event.Listener
	barrier  *barrier

	delivered atomic.Uint64
	dropped   atomic.Uint64
	ignored   atomic.Uint64
	panics    atomic.Uint64

	channel event.Channel
}

func (d *dispatcher) run(ctx context.Context) error {
	for {
		ev, err := d.listener.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.IsKind(err, errors.KindClosed) {
				return nil
			}
			return err
		}
		if err := d.barrier.wait(ctx); err != nil {
			return nil
		}
		d.deliver(ev)
	}
}

func (d *dispatcher) deliver(ev event.Event) {
	if d.fire != nil {
		if err := d.fire(ev); err != nil {
			d.drop(ev, err)
		}
		return
	}

	cbs, ok := d.lookup(ev.Handle)
	if !ok {
		d.drop(ev, nil)
		return
	}
	fn := cbs[ev.Name]
	if fn == nil {
		d.ignored.Add(1)
		return
	}
	d.invoke(ev, fn)
}

func (d *dispatcher) drop(ev event.Event, cause error) {
	d.dropped.Add(1)
	fields := []zap.Field{
		zap.Stringer("channel", d.channel),
		zap.Uint64("handle", uint64(ev.Handle)),
		zap.String("event", ev.Name),
	}
	if cause != nil {
		fields = append(fields, zap.String("kind", string(errors.KindOf(cause))), zap.Error(cause))
	}
	Logger().Warn("event for unknown handle dropped", fields...)
}

// invoke runs fn and keeps a panicking callback from killing the loop.
func (d *dispatcher) invoke(ev event.Event, fn func(event.Event)) {
	defer func() {
		if p := recover(); p != nil {
			d.panics.Add(1)
			Logger().Error("event callback panicked",
				zap.Stringer("channel", d.channel),
				zap.Uint64("handle", uint64(ev.Handle)),
				zap.String("event", ev.Name),
				zap.String("panic", fmt.Sprint(p)),
				zap.Stack("stack"))
		}
	}()
	fn(ev)
	d.delivered.Add(1)
}

func (d *dispatcher) stats() Stats {
	return Stats{
		Channel:   d.channel,
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Ignored:   d.ignored.Load(),
		Panics:    d.panics.Load(),
	}
}
