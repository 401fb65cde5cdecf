package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
	"github.com/wippyai/carrier-bridge/native/memsdk"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) on(names ...string) Callbacks {
	cbs := make(Callbacks, len(names))
	for _, name := range names {
		cbs[name] = r.record
	}
	return cbs
}

func (r *recorder) named(name string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(name string) int {
	return len(r.named(name))
}

func newClient(t *testing.T) (*Client, *memsdk.SDK) {
	t.Helper()
	return newClientWith(t, bridge.Options{})
}

func newClientWith(t *testing.T, opts bridge.Options) (*Client, *memsdk.SDK) {
	t.Helper()
	sdk := memsdk.New()
	b := bridge.New(sdk, opts)
	c := New(b)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
		sdk.Network().Close()
	})
	return c, sdk
}

func settle(t *testing.T, sdk *memsdk.SDK) {
	t.Helper()
	require.True(t, sdk.Network().Sync(time.Second))
}

// quiesce waits until the SDK is idle and the dispatcher of ch has handled
// every event the router handed it.
func quiesce(t *testing.T, c *Client, sdk *memsdk.SDK, ch event.Channel) {
	t.Helper()
	settle(t, sdk)
	require.Eventually(t, func() bool {
		rs := c.Bridge().Router().Stats(ch)
		s := stats(c, ch)
		return rs.Queued == 0 && s.Delivered+s.Dropped+s.Ignored+s.Panics == rs.Delivered
	}, waitFor, time.Millisecond)
}

var nodeEvents = []string{
	"onConnection", "onReady", "onFriends", "onFriendRequest", "onFriendAdded",
	"onFriendMessage", "onFriendInviteRequest", "onSessionRequest", "onGroupInvite",
}

func startNode(t *testing.T, c *Client, dir string) (*Node, *recorder) {
	t.Helper()
	r := &recorder{}
	n, err := c.CreateNode(native.Options{PersistentLocation: dir}, r.on(nodeEvents...))
	require.NoError(t, err)
	require.NoError(t, n.Start(0))
	return n, r
}

func befriend(t *testing.T, c *Client, sdk *memsdk.SDK) (a, b *Node, ra, rb *recorder) {
	t.Helper()
	a, ra = startNode(t, c, "a")
	b, rb = startNode(t, c, "b")
	require.NoError(t, a.AddFriend(b.Address(), "hi"))
	settle(t, sdk)
	require.NoError(t, b.AcceptFriend(a.UserID()))
	settle(t, sdk)
	return a, b, ra, rb
}

func stats(c *Client, ch event.Channel) Stats {
	for _, s := range c.Stats() {
		if s.Channel == ch {
			return s
		}
	}
	return Stats{}
}

func TestClient_NodeCallbacks(t *testing.T) {
	c, sdk := newClient(t)
	n, r := startNode(t, c, "a")
	settle(t, sdk)

	require.Eventually(t, func() bool { return r.count("onReady") == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, n.Handle(), r.named("onReady")[0].Handle)
	assert.Equal(t, []*Node{n}, c.Nodes())
}

func TestClient_CachedNospamAndPresence(t *testing.T) {
	c, _ := newClient(t)
	n, _ := startNode(t, c, "a")

	require.NoError(t, n.SetNospam(42))
	assert.Equal(t, uint32(42), n.Nospam())

	require.NoError(t, n.SetPresence(native.PresenceBusy))
	assert.Equal(t, native.PresenceBusy, n.Presence())

	err := n.SetPresence(native.Presence(9))
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))
	assert.Equal(t, native.PresenceBusy, n.Presence(), "cache is unchanged on failure")
}

func TestClient_FriendMessage(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, rb := befriend(t, c, sdk)

	_, err := a.SendFriendMessage(b.UserID(), []byte("hello"))
	require.NoError(t, err)
	settle(t, sdk)

	require.Eventually(t, func() bool { return rb.count("onFriendMessage") == 1 }, waitFor, time.Millisecond)
	ev := rb.named("onFriendMessage")[0]
	assert.Equal(t, a.UserID(), ev.StringField("from"))
	assert.Equal(t, "hello", ev.StringField("message"))
}

func TestClient_StreamEventsReachOnlyTheirStream(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, _ := befriend(t, c, sdk)

	s, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)
	r1, r2 := &recorder{}, &recorder{}
	st1, err := s.AddStream(native.StreamText, native.OptionReliable, r1.on("onStateChanged"))
	require.NoError(t, err)
	st2, err := s.AddStream(native.StreamText, native.OptionReliable, r2.on("onStateChanged"))
	require.NoError(t, err)
	assert.Equal(t, []*Stream{st1, st2}, s.Streams())

	quiesce(t, c, sdk, event.ChannelStream)
	n1, n2 := r1.count("onStateChanged"), r2.count("onStateChanged")

	router := c.Bridge().Router()
	require.NoError(t, router.Publish(event.ChannelStream, st1.Handle(), "onStateChanged",
		map[string]any{"state": int(native.StreamConnected)}))
	quiesce(t, c, sdk, event.ChannelStream)

	require.Equal(t, n1+1, r1.count("onStateChanged"))
	last := r1.named("onStateChanged")
	assert.Equal(t, st1.Handle(), last[len(last)-1].Handle)
	assert.Equal(t, int(native.StreamConnected), last[len(last)-1].Payload["state"])
	assert.Equal(t, n2, r2.count("onStateChanged"), "second stream sees none of the first stream's events")
	for _, ev := range r2.named("onStateChanged") {
		assert.Equal(t, st2.Handle(), ev.Handle)
	}
}

func TestClient_InviteFriendOnce(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, rb := befriend(t, c, sdk)

	var mu sync.Mutex
	var replies []InviteReply
	require.NoError(t, a.InviteFriend(b.UserID(), "join me", func(r InviteReply) {
		mu.Lock()
		replies = append(replies, r)
		mu.Unlock()
	}))
	settle(t, sdk)
	require.Eventually(t, func() bool { return rb.count("onFriendInviteRequest") == 1 }, waitFor, time.Millisecond)

	require.NoError(t, b.ReplyFriendInvite(a.UserID(), 0, "", "welcome"))
	settle(t, sdk)

	got := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(replies)
	}
	require.Eventually(t, func() bool { return got() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "welcome", replies[0].Data)
	assert.Equal(t, b.UserID(), replies[0].From)

	// A second reply for the same correlation ID is dropped.
	before := c.Dropped()
	require.NoError(t, c.Bridge().Router().Publish(event.ChannelFriendInvite, 1, "onReceived",
		map[string]any{"data": "again"}))
	require.Eventually(t, func() bool { return c.Dropped() == before+1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, got())
}

func TestClient_SessionRequest(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, rb := befriend(t, c, sdk)

	sa, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)
	_, err = sa.AddStream(native.StreamApplication, native.OptionMultiplexing, nil)
	require.NoError(t, err)

	done := make(chan RequestReply, 1)
	require.NoError(t, sa.Request(func(r RequestReply) { done <- r }))
	settle(t, sdk)
	require.Eventually(t, func() bool { return rb.count("onSessionRequest") == 1 }, waitFor, time.Millisecond)

	sb, err := b.NewSession(a.UserID(), nil)
	require.NoError(t, err)
	_, err = sb.AddStream(native.StreamApplication, native.OptionMultiplexing, nil)
	require.NoError(t, err)
	require.NoError(t, sb.ReplyRequest(0, ""))
	settle(t, sdk)

	select {
	case r := <-done:
		assert.Equal(t, 0, r.Status)
		assert.NotEmpty(t, r.SDP)
		require.NoError(t, sa.Start(r.SDP))
	case <-time.After(waitFor):
		t.Fatal("session request never completed")
	}
}

func TestClient_LateEventAfterCloseIsDropped(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, _ := befriend(t, c, sdk)

	r := &recorder{}
	s, err := a.NewSession(b.UserID(), r.on("onStateChanged"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	quiesce(t, c, sdk, event.ChannelSession)

	before := stats(c, event.ChannelSession).Dropped
	require.NoError(t, c.Bridge().Router().Publish(event.ChannelSession, s.Handle(), "onStateChanged",
		map[string]any{"state": int(native.SessionClosed)}))
	quiesce(t, c, sdk, event.ChannelSession)

	assert.Equal(t, before+1, stats(c, event.ChannelSession).Dropped)
	assert.Zero(t, r.count("onStateChanged"))
	assert.True(t, errors.IsKind(s.Close(), errors.KindHandleNotFound))
}

func TestClient_StreamCreateRemoveCycles(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, _ := befriend(t, c, sdk)
	s, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)

	seen := make(map[handle.Handle]bool)
	for i := 0; i < 1000; i++ {
		st, err := s.AddStream(native.StreamText, native.OptionReliable, nil)
		require.NoError(t, err)
		require.False(t, seen[st.Handle()], "handle %d reused", st.Handle())
		seen[st.Handle()] = true
		require.NoError(t, s.RemoveStream(st))
	}
	assert.Zero(t, c.streams.len())
	assert.Zero(t, c.Bridge().Counts()[handle.CategoryStream])
}

func TestClient_RemoveStreamFromOtherSession(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, _ := befriend(t, c, sdk)

	s1, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)
	s2, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)
	st, err := s1.AddStream(native.StreamText, native.OptionReliable, nil)
	require.NoError(t, err)

	err = s2.RemoveStream(st)
	assert.True(t, errors.IsKind(err, errors.KindHandleNotFound))
	_, ok := c.streams.get(st.Handle())
	assert.True(t, ok, "a refused remove keeps the stream")
	require.NoError(t, s1.RemoveStream(st))
}

func TestClient_GroupFlow(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, rb := befriend(t, c, sdk)

	ra := &recorder{}
	g, err := a.CreateGroup(ra.on("onGroupMessage", "onPeerListChanged"))
	require.NoError(t, err)
	require.NoError(t, g.Invite(b.UserID()))
	settle(t, sdk)

	require.Eventually(t, func() bool { return rb.count("onGroupInvite") == 1 }, waitFor, time.Millisecond)
	cookie := rb.named("onGroupInvite")[0].StringField("cookieCode")

	rg := &recorder{}
	joined, err := b.JoinGroup(a.UserID(), cookie, rg.on("onGroupMessage"))
	require.NoError(t, err)
	assert.Equal(t, []*Group{joined}, b.Groups())
	settle(t, sdk)

	require.NoError(t, joined.SendMessage([]byte("hey all")))
	settle(t, sdk)
	require.Eventually(t, func() bool { return ra.count("onGroupMessage") == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "hey all", ra.named("onGroupMessage")[0].StringField("message"))

	require.NoError(t, joined.Leave())
	assert.Empty(t, b.Groups())
}

func TestClient_DestroyForgetsChildren(t *testing.T) {
	c, sdk := newClient(t)
	a, b, _, _ := befriend(t, c, sdk)

	s, err := a.NewSession(b.UserID(), nil)
	require.NoError(t, err)
	_, err = s.AddStream(native.StreamText, native.OptionReliable, nil)
	require.NoError(t, err)
	_, err = a.CreateGroup(nil)
	require.NoError(t, err)
	_, err = a.NewFileTransfer(b.UserID(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.InviteFriend(b.UserID(), "x", nil))

	require.NoError(t, a.Destroy())
	assert.Zero(t, c.sessions.len())
	assert.Zero(t, c.streams.len())
	assert.Zero(t, c.groups.len())
	assert.Zero(t, c.transfers.len())
	assert.Zero(t, c.invites.Len())
	assert.Equal(t, []*Node{b}, c.Nodes())

	counts := c.Bridge().Counts()
	assert.Equal(t, 1, counts[handle.CategoryNode])
	assert.Zero(t, counts[handle.CategorySession])
	assert.Zero(t, counts[handle.CategoryStream])
}

func TestClient_PanicInCallbackIsContained(t *testing.T) {
	c, _ := newClient(t)
	n, err := c.CreateNode(native.Options{PersistentLocation: "a"}, Callbacks{
		"onBoom": func(event.Event) { panic("boom") },
	})
	require.NoError(t, err)
	r := &recorder{}
	n.cbs["onOk"] = r.record

	router := c.Bridge().Router()
	require.NoError(t, router.Publish(event.ChannelNode, n.Handle(), "onBoom", nil))
	require.NoError(t, router.Publish(event.ChannelNode, n.Handle(), "onOk", nil))

	require.Eventually(t, func() bool { return r.count("onOk") == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), stats(c, event.ChannelNode).Panics)
}

func TestClient_UnknownEventNameIgnored(t *testing.T) {
	c, _ := newClient(t)
	n, err := c.CreateNode(native.Options{PersistentLocation: "a"}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Bridge().Router().Publish(event.ChannelNode, n.Handle(), "onSomethingNew", nil))
	require.Eventually(t, func() bool {
		return stats(c, event.ChannelNode).Ignored == 1
	}, waitFor, time.Millisecond)
	assert.Zero(t, c.Dropped())
}

func TestClient_BarrierHoldsDeliveryDuringCreate(t *testing.T) {
	c, _ := newClient(t)
	r := &recorder{}
	const h = handle.Handle(500)

	err := c.creating(event.ChannelSession, func() error {
		require.NoError(t, c.Bridge().Router().Publish(event.ChannelSession, h, "onStateChanged", nil))
		time.Sleep(20 * time.Millisecond)
		c.sessions.put(h, 0, &Session{c: c, h: h, cbs: r.on("onStateChanged")})
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.count("onStateChanged") == 1 }, waitFor, time.Millisecond)
	assert.Zero(t, stats(c, event.ChannelSession).Dropped)
}

func TestClient_StartTwice(t *testing.T) {
	c, _ := newClient(t)
	err := c.Start(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestBarrier_Nested(t *testing.T) {
	b := newBarrier()
	b.hold()
	b.hold()
	b.release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.wait(ctx), context.DeadlineExceeded)

	b.release()
	assert.NoError(t, b.wait(context.Background()))
}

func TestClient_InviteTimesOut(t *testing.T) {
	c, sdk := newClientWith(t, bridge.Options{CorrelationTimeout: 20 * time.Millisecond})
	a, b, _, _ := befriend(t, c, sdk)

	replies := make(chan InviteReply, 2)
	require.NoError(t, a.InviteFriend(b.UserID(), "anyone?", func(r InviteReply) { replies <- r }))
	settle(t, sdk)

	select {
	case r := <-replies:
		assert.True(t, r.TimedOut)
		assert.Empty(t, r.Data)
	case <-time.After(waitFor):
		t.Fatal("invite never timed out")
	}
	assert.Zero(t, c.invites.Len())

	// A reply after expiry reaches neither side.
	require.NoError(t, b.ReplyFriendInvite(a.UserID(), 0, "", "late"))
	quiesce(t, c, sdk, event.ChannelFriendInvite)
	assert.Empty(t, replies)
}

func TestClient_DropLogsCauseKind(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	c, sdk := newClient(t)
	require.NoError(t, c.Bridge().Router().Publish(event.ChannelFriendInvite, 9, "onReceived", map[string]any{}))
	quiesce(t, c, sdk, event.ChannelFriendInvite)

	entries := logs.FilterMessage("event for unknown handle dropped").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "not_found", fields["kind"])
	assert.Equal(t, uint64(9), fields["handle"])
}
