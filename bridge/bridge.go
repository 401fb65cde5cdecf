// Package bridge adapts a native.SDK to a handle-based, message-passing
// surface.
//
// Native objects never leave the bridge. Callers address them through
// category-scoped handles; native callbacks are published on the event
// router tagged with the owning handle. One-shot replies (friend invite
// responses, session request completions) are published tagged with the
// correlation ID the caller supplied.
package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Bridge owns every native object created through it.
type Bridge struct {
	sdk    native.SDK
	router *event.Router
	policy Policy
	opts   Options

	nodes     *handle.Table[*nodeRecord]
	sessions  *handle.Table[*sessionRecord]
	streams   *handle.Table[*streamRecord]
	groups    *handle.Table[*groupRecord]
	transfers *handle.Table[*transferRecord]

	invites  *correlation.Table[map[string]any]
	requests *correlation.Table[map[string]any]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a bridge over sdk.
func New(sdk native.SDK, opts Options) *Bridge {
	opts = opts.withDefaults()
	b := &Bridge{
		sdk:       sdk,
		router:    event.NewRouter(event.Options{Backlog: opts.Backlog}),
		policy:    opts.Policy,
		opts:      opts,
		nodes:     handle.NewTable[*nodeRecord](handle.CategoryNode),
		sessions:  handle.NewTable[*sessionRecord](handle.CategorySession),
		streams:   handle.NewTable[*streamRecord](handle.CategoryStream),
		groups:    handle.NewTable[*groupRecord](handle.CategoryGroup),
		transfers: handle.NewTable[*transferRecord](handle.CategoryFileTransfer),
		invites:   correlation.NewTable[map[string]any](),
		requests:  correlation.NewTable[map[string]any](),
	}

	if opts.CorrelationTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.wg.Add(1)
		go b.sweep(ctx, opts.CorrelationTimeout)
	}
	return b
}

// Router exposes the event router for statistics.
func (b *Bridge) Router() *event.Router {
	return b.router
}

// Listen attaches the single consumer of ch.
func (b *Bridge) Listen(ch event.Channel) (*event.Listener, error) {
	return b.router.Listen(ch)
}

// Subscribe registers o on every handle table.
func (b *Bridge) Subscribe(o handle.Observer) {
	b.nodes.Subscribe(o)
	b.sessions.Subscribe(o)
	b.streams.Subscribe(o)
	b.groups.Subscribe(o)
	b.transfers.Subscribe(o)
}

// Counts returns the number of live handles per category.
func (b *Bridge) Counts() map[handle.Category]int {
	return map[handle.Category]int{
		handle.CategoryNode:         b.nodes.Len(),
		handle.CategorySession:      b.sessions.Len(),
		handle.CategoryStream:       b.streams.Len(),
		handle.CategoryGroup:        b.groups.Len(),
		handle.CategoryFileTransfer: b.transfers.Len(),
	}
}

// PendingCorrelations returns the number of unanswered one-shot requests.
func (b *Bridge) PendingCorrelations() int {
	return b.invites.Len() + b.requests.Len()
}

// Close destroys every node and stops the router.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	var nodes []handle.Handle
	b.nodes.Each(func(h handle.Handle, _ *nodeRecord) bool {
		nodes = append(nodes, h)
		return true
	})
	for _, h := range nodes {
		b.teardownNode(h)
	}
	return b.router.Close()
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// EventTimeout is published on a one-shot channel, tagged with the
// correlation ID, when a request expires unanswered.
const EventTimeout = "onTimeout"

func (b *Bridge) sweep(ctx context.Context, timeout time.Duration) {
	defer b.wg.Done()

	interval := timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-timeout)
			for _, id := range b.invites.Expire(cutoff) {
				Logger().Warn("friend invite expired unanswered", zap.Uint64("correlation", uint64(id)))
				b.publish(event.ChannelFriendInvite, handle.Handle(id), EventTimeout, map[string]any{})
			}
			for _, id := range b.requests.Expire(cutoff) {
				Logger().Warn("session request expired unanswered", zap.Uint64("correlation", uint64(id)))
				b.publish(event.ChannelSessionRequest, handle.Handle(id), EventTimeout, map[string]any{})
			}
		}
	}
}

func (b *Bridge) publish(ch event.Channel, h handle.Handle, name string, payload map[string]any) {
	b.publishSub(ch, h, name, "", payload)
}

func (b *Bridge) publishSub(ch event.Channel, h handle.Handle, name, sub string, payload map[string]any) {
	ev := event.Event{Channel: ch, Handle: h, Name: name, Sub: sub, Payload: payload}
	if err := b.router.PublishEvent(ev); err != nil {
		Logger().Debug("event not published",
			zap.Stringer("channel", ch),
			zap.Uint64("handle", uint64(h)),
			zap.String("event", name),
			zap.Error(err))
	}
}

func (b *Bridge) node(h handle.Handle) (*nodeRecord, error) {
	rec, ok := b.nodes.Resolve(h)
	if !ok {
		return nil, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryNode.String(), uint64(h))
	}
	return rec, nil
}

func (b *Bridge) session(h handle.Handle) (*sessionRecord, error) {
	rec, ok := b.sessions.Resolve(h)
	if !ok {
		return nil, errors.HandleNotFound(errors.PhaseOperation, handle.CategorySession.String(), uint64(h))
	}
	return rec, nil
}

func (b *Bridge) stream(h handle.Handle) (*streamRecord, error) {
	rec, ok := b.streams.Resolve(h)
	if !ok {
		return nil, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryStream.String(), uint64(h))
	}
	return rec, nil
}

func (b *Bridge) group(h handle.Handle) (*groupRecord, error) {
	rec, ok := b.groups.Resolve(h)
	if !ok {
		return nil, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryGroup.String(), uint64(h))
	}
	return rec, nil
}

func (b *Bridge) transfer(h handle.Handle) (*transferRecord, error) {
	rec, ok := b.transfers.Resolve(h)
	if !ok {
		return nil, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryFileTransfer.String(), uint64(h))
	}
	return rec, nil
}

func nativeErr(action string, err error) error {
	if err == nil {
		return nil
	}
	return errors.NativeFailed(action, err)
}

// Version returns the native SDK version.
func (b *Bridge) Version() string {
	return b.sdk.Version()
}

// IsValidAddress reports whether address is a well-formed node address.
func (b *Bridge) IsValidAddress(address string) bool {
	return b.sdk.IsValidAddress(address)
}

// IsValidID reports whether id is a well-formed user ID.
func (b *Bridge) IsValidID(id string) bool {
	return b.sdk.IsValidID(id)
}

// IDFromAddress extracts the user ID embedded in address.
func (b *Bridge) IDFromAddress(address string) (string, error) {
	id, err := b.sdk.IDFromAddress(address)
	return id, nativeErr("getIdFromAddress", err)
}
