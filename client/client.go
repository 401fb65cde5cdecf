// Package client is the caller side of the bridge.
//
// A Client attaches one dispatcher goroutine to each event channel and
// keeps mirror registries from handles to proxy objects (Node, Session,
// Stream, Group, FileTransfer). Each event is delivered to the callback its
// owner registered for the event name. Events whose handle has no mirror
// entry, such as late callbacks for a destroyed object, are counted and
// dropped.
package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
)

// Client owns the proxies for every object created through it.
type Client struct {
	b *bridge.Bridge

	nodes     *mirror[*Node]
	sessions  *mirror[*Session]
	streams   *mirror[*Stream]
	groups    *mirror[*Group]
	transfers *mirror[*FileTransfer]

	invites  *correlation.Table[event.Event]
	requests *correlation.Table[event.Event]

	dispatchers map[event.Channel]*dispatcher

	group   *errgroup.Group
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// New creates a client for b. Call Start before expecting callbacks.
func New(b *bridge.Bridge) *Client {
	c := &Client{
		b:           b,
		nodes:       newMirror[*Node](),
		sessions:    newMirror[*Session](),
		streams:     newMirror[*Stream](),
		groups:      newMirror[*Group](),
		transfers:   newMirror[*FileTransfer](),
		invites:     correlation.NewTable[event.Event](),
		requests:    correlation.NewTable[event.Event](),
		dispatchers: make(map[event.Channel]*dispatcher),
	}

	lookups := map[event.Channel]func(handle.Handle) (Callbacks, bool){
		event.ChannelNode:         callbacksOf(c.nodes),
		event.ChannelSession:      callbacksOf(c.sessions),
		event.ChannelStream:       callbacksOf(c.streams),
		event.ChannelGroup:        callbacksOf(c.groups),
		event.ChannelFileTransfer: callbacksOf(c.transfers),
	}
	for _, ch := range event.Channels() {
		c.dispatchers[ch] = &dispatcher{channel: ch, barrier: newBarrier(), lookup: lookups[ch]}
	}
	c.dispatchers[event.ChannelFriendInvite].fire = fireFrom(c.invites)
	c.dispatchers[event.ChannelSessionRequest].fire = fireFrom(c.requests)
	return c
}

type callbackOwner interface {
	callbacks() Callbacks
}

func callbacksOf[T callbackOwner](m *mirror[T]) func(handle.Handle) (Callbacks, bool) {
	return func(h handle.Handle) (Callbacks, bool) {
		v, ok := m.get(h)
		if !ok {
			return nil, false
		}
		return v.callbacks(), true
	}
}

func fireFrom(t *correlation.Table[event.Event]) func(event.Event) error {
	return func(ev event.Event) error {
		return t.Fire(correlation.ID(ev.Handle), ev)
	}
}

// Bridge returns the bridge this client drives.
func (c *Client) Bridge() *bridge.Bridge {
	return c.b
}

// Start attaches a listener to every channel and begins dispatching.
// Dispatching stops when ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New(errors.PhaseDispatch, errors.KindMalformedRequest).
			Detail("client already started").
			Build()
	}

	for _, ch := range event.Channels() {
		l, err := c.b.Listen(ch)
		if err != nil {
			for _, d := range c.dispatchers {
				if d.listener != nil {
					d.listener.Close()
					d.listener = nil
				}
			}
			return err
		}
		c.dispatchers[ch].listener = l
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range c.dispatchers {
		d := d
		g.Go(func() error { return d.run(gctx) })
	}
	c.group = g
	c.cancel = cancel
	c.started = true
	return nil
}

// Close stops every dispatcher and waits for in-flight callbacks.
// Mirrors and the bridge are left untouched.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	g, cancel := c.group, c.cancel
	c.mu.Unlock()

	cancel()
	for _, d := range c.dispatchers {
		d.listener.Close()
	}
	return g.Wait()
}

// Stats returns dispatch counters for every channel in numeric order.
func (c *Client) Stats() []Stats {
	out := make([]Stats, 0, len(c.dispatchers))
	for _, ch := range event.Channels() {
		out = append(out, c.dispatchers[ch].stats())
	}
	return out
}

// Dropped returns the total number of events discarded for unknown handles
// or unknown correlation IDs.
func (c *Client) Dropped() uint64 {
	var n uint64
	for _, d := range c.dispatchers {
		n += d.dropped.Load()
	}
	return n
}

// Nodes returns the live nodes in handle order.
func (c *Client) Nodes() []*Node {
	var out []*Node
	for _, h := range c.nodes.owned(0) {
		if n, ok := c.nodes.get(h); ok {
			out = append(out, n)
		}
	}
	return out
}

// creating holds ch's barrier for the duration of fn.
func (c *Client) creating(ch event.Channel, fn func() error) error {
	b := c.dispatchers[ch].barrier
	b.hold()
	defer b.release()
	return fn()
}

// oneShot wraps cb so a panic is counted like any other callback panic.
func (c *Client) oneShot(ch event.Channel, cb func(event.Event)) correlation.Callback[event.Event] {
	d := c.dispatchers[ch]
	return func(ev event.Event) {
		if cb != nil {
			d.invoke(ev, cb)
		}
	}
}
