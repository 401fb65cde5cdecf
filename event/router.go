package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/handle"
)

// DefaultBacklog is the number of events kept per channel while no
// listener is attached.
const DefaultBacklog = 4096

// Options configures a Router.
type Options struct {
	// Backlog bounds each channel's queue while no listener is attached.
	// Oldest events are dropped first. Zero means DefaultBacklog.
	Backlog int
}

// Stats is a point-in-time view of one channel.
type Stats struct {
	Channel   Channel
	Published uint64
	Delivered uint64
	Dropped   uint64
	Queued    int
	Listening bool
}

type queue struct {
	listener  *Listener
	items     []Event
	head      int
	seq       uint64
	published uint64
	delivered uint64
	dropped   uint64
	mu        sync.Mutex
}

func (q *queue) len() int {
	return len(q.items) - q.head
}

func (q *queue) push(ev Event) {
	q.items = append(q.items, ev)
}

func (q *queue) pop() (Event, bool) {
	if q.head >= len(q.items) {
		return Event{}, false
	}
	ev := q.items[q.head]
	q.items[q.head] = Event{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return ev, true
}

// trim drops the oldest events beyond limit and returns how many were dropped.
func (q *queue) trim(limit int) int {
	n := q.len() - limit
	if n <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		q.pop()
	}
	q.dropped += uint64(n)
	return n
}

// Router funnels native callbacks into one FIFO queue per channel.
// Publish never blocks; listeners consume at their own pace.
type Router struct {
	queues  [channelCount + 1]*queue
	backlog int
	mu      sync.RWMutex
	closed  bool
}

// NewRouter creates a router with every channel ready to accept events.
func NewRouter(opts Options) *Router {
	r := &Router{backlog: opts.Backlog}
	if r.backlog <= 0 {
		r.backlog = DefaultBacklog
	}
	for _, c := range Channels() {
		r.queues[c] = &queue{}
	}
	return r
}

// Publish tags and enqueues an event. It never waits for a consumer.
func (r *Router) Publish(ch Channel, h handle.Handle, name string, payload map[string]any) error {
	return r.PublishEvent(Event{Channel: ch, Handle: h, Name: name, Payload: payload})
}

// PublishEvent enqueues a pre-built event. Seq is assigned by the router.
func (r *Router) PublishEvent(ev Event) error {
	if !ev.Channel.Valid() {
		return errors.New(errors.PhaseEvent, errors.KindUnroutable).
			Detail("unknown channel %d", ev.Channel).
			Value(ev.Channel).
			Build()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.Closed(errors.PhaseEvent, "router")
	}

	q := r.queues[ev.Channel]
	q.mu.Lock()
	q.seq++
	ev.Seq = q.seq
	q.published++
	q.push(ev)

	dropped := 0
	l := q.listener
	if l == nil {
		dropped = q.trim(r.backlog)
	}
	q.mu.Unlock()

	if l != nil {
		l.wake()
	}
	if dropped > 0 {
		Logger().Warn("backlog full, dropped oldest events",
			zap.Stringer("channel", ev.Channel),
			zap.Int("dropped", dropped),
			zap.Int("backlog", r.backlog))
	}
	return nil
}

// Listen attaches the single listener for ch. A previous listener on the
// same channel is closed and replaced; queued events go to the new one.
func (r *Router) Listen(ch Channel) (*Listener, error) {
	if !ch.Valid() {
		return nil, errors.New(errors.PhaseEvent, errors.KindUnroutable).
			Detail("unknown channel %d", ch).
			Value(ch).
			Build()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errors.Closed(errors.PhaseEvent, "router")
	}

	l := &Listener{
		channel: ch,
		q:       r.queues[ch],
		backlog: r.backlog,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	q := l.q
	q.mu.Lock()
	prev := q.listener
	q.listener = l
	pending := q.len() > 0
	q.mu.Unlock()

	if prev != nil {
		prev.detach()
		Logger().Debug("listener replaced", zap.Stringer("channel", ch))
	}
	if pending {
		l.wake()
	}
	return l, nil
}

// Stats returns counters for one channel.
func (r *Router) Stats(ch Channel) Stats {
	if !ch.Valid() {
		return Stats{Channel: ch}
	}
	q := r.queues[ch]
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Channel:   ch,
		Published: q.published,
		Delivered: q.delivered,
		Dropped:   q.dropped,
		Queued:    q.len(),
		Listening: q.listener != nil,
	}
}

// Snapshot returns counters for every channel in numeric order.
func (r *Router) Snapshot() []Stats {
	out := make([]Stats, 0, channelCount)
	for _, c := range Channels() {
		out = append(out, r.Stats(c))
	}
	return out
}

// Close detaches every listener and rejects further publishes.
// Queued events are discarded.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, c := range Channels() {
		q := r.queues[c]
		q.mu.Lock()
		l := q.listener
		q.listener = nil
		q.items = nil
		q.head = 0
		q.mu.Unlock()
		if l != nil {
			l.detach()
		}
	}
	return nil
}

// Listener consumes one channel's events in publish order.
type Listener struct {
	q       *queue
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	backlog int
	channel Channel
}

// Channel returns the channel this listener consumes.
func (l *Listener) Channel() Channel {
	return l.channel
}

// Next blocks until an event is available, ctx is done, or the listener is
// closed or replaced.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, err := l.take()
		if err != nil || ok {
			return ev, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-l.done:
			return Event{}, errors.Closed(errors.PhaseEvent, l.channel.String()+" listener")
		case <-l.signal:
		}
	}
}

// TryNext returns the next queued event without blocking.
func (l *Listener) TryNext() (Event, bool, error) {
	return l.take()
}

func (l *Listener) take() (Event, bool, error) {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	if l.q.listener != l {
		return Event{}, false, errors.Closed(errors.PhaseEvent, l.channel.String()+" listener")
	}
	ev, ok := l.q.pop()
	if ok {
		l.q.delivered++
	}
	return ev, ok, nil
}

// Done is closed once the listener stops receiving events.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Close detaches the listener. Events published afterwards are buffered
// up to the router backlog until another listener attaches.
func (l *Listener) Close() {
	l.q.mu.Lock()
	dropped := 0
	if l.q.listener == l {
		l.q.listener = nil
		dropped = l.q.trim(l.backlog)
	}
	l.q.mu.Unlock()

	if dropped > 0 {
		Logger().Warn("listener closed over backlog, dropped oldest events",
			zap.Stringer("channel", l.channel),
			zap.Int("dropped", dropped))
	}
	l.detach()
}

func (l *Listener) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Listener) detach() {
	l.once.Do(func() { close(l.done) })
}
