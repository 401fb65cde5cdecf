package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/handle"
)

func nextWithin(t *testing.T, l *Listener) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := l.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestRouter_PublishListen(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	l, err := r.Listen(ChannelStream)
	require.NoError(t, err)

	require.NoError(t, r.Publish(ChannelStream, 3, "onStateChanged", map[string]any{"state": 2}))

	ev := nextWithin(t, l)
	assert.Equal(t, ChannelStream, ev.Channel)
	assert.Equal(t, handle.Handle(3), ev.Handle)
	assert.Equal(t, "onStateChanged", ev.Name)
	assert.Equal(t, uint64(1), ev.Seq)

	fields := ev.Fields()
	assert.Equal(t, "onStateChanged", fields["name"])
	assert.Equal(t, uint64(3), fields["id"])
	assert.Equal(t, 2, fields["state"])
}

func TestRouter_BufferedBeforeListen(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ChannelNode, 1, "onIdle", nil))
	}

	l, err := r.Listen(ChannelNode)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, uint64(i), nextWithin(t, l).Seq)
	}
}

func TestRouter_PerHandleOrder(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	l, err := r.Listen(ChannelStream)
	require.NoError(t, err)

	const perHandle = 200
	var wg sync.WaitGroup
	for h := handle.Handle(1); h <= 4; h++ {
		wg.Add(1)
		go func(h handle.Handle) {
			defer wg.Done()
			for i := 0; i < perHandle; i++ {
				_ = r.Publish(ChannelStream, h, "onStreamData", map[string]any{"n": i})
			}
		}(h)
	}

	last := map[handle.Handle]int{1: -1, 2: -1, 3: -1, 4: -1}
	for i := 0; i < perHandle*4; i++ {
		ev := nextWithin(t, l)
		n := ev.Payload["n"].(int)
		require.Greater(t, n, last[ev.Handle], "handle %d out of order", ev.Handle)
		last[ev.Handle] = n
	}
	wg.Wait()
}

func TestRouter_BacklogDropsOldest(t *testing.T) {
	r := NewRouter(Options{Backlog: 2})
	defer r.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(ChannelGroup, 1, "onGroupMessage", map[string]any{"n": i}))
	}

	st := r.Stats(ChannelGroup)
	assert.Equal(t, uint64(5), st.Published)
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, 2, st.Queued)
	assert.False(t, st.Listening)

	l, err := r.Listen(ChannelGroup)
	require.NoError(t, err)
	assert.Equal(t, 3, nextWithin(t, l).Payload["n"])
	assert.Equal(t, 4, nextWithin(t, l).Payload["n"])
}

func TestRouter_UnboundedWhileListening(t *testing.T) {
	r := NewRouter(Options{Backlog: 1})
	defer r.Close()

	l, err := r.Listen(ChannelSession)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, r.Publish(ChannelSession, 1, "onStateChanged", nil))
	}
	st := r.Stats(ChannelSession)
	assert.Equal(t, uint64(0), st.Dropped)
	assert.Equal(t, 100, st.Queued)

	for i := 0; i < 100; i++ {
		_, ok, err := l.TryNext()
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := l.TryNext()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(100), r.Stats(ChannelSession).Delivered)
}

func TestRouter_ListenReplaces(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	first, err := r.Listen(ChannelFileTransfer)
	require.NoError(t, err)
	second, err := r.Listen(ChannelFileTransfer)
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced listener was not closed")
	}

	_, err = first.Next(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindClosed))

	require.NoError(t, r.Publish(ChannelFileTransfer, 2, "onPending", nil))
	assert.Equal(t, "onPending", nextWithin(t, second).Name)
}

func TestListener_NextBlocksUntilPublish(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	l, err := r.Listen(ChannelFriendInvite)
	require.NoError(t, err)

	got := make(chan Event, 1)
	go func() {
		ev, err := l.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Publish(ChannelFriendInvite, 9, "onReceived", map[string]any{"status": 0}))

	select {
	case ev := <-got:
		assert.Equal(t, handle.Handle(9), ev.Handle)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake")
	}
}

func TestListener_NextContextCancel(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	l, err := r.Listen(ChannelNode)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListener_CloseRestoresBacklog(t *testing.T) {
	r := NewRouter(Options{Backlog: 1})
	defer r.Close()

	l, err := r.Listen(ChannelStream)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ChannelStream, 1, "onStreamData", nil))
	}

	l.Close()
	st := r.Stats(ChannelStream)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.False(t, st.Listening)
}

func TestRouter_InvalidChannel(t *testing.T) {
	r := NewRouter(Options{})
	defer r.Close()

	err := r.Publish(Channel(0), 1, "x", nil)
	assert.True(t, errors.IsKind(err, errors.KindUnroutable))

	_, err = r.Listen(Channel(99))
	assert.True(t, errors.IsKind(err, errors.KindUnroutable))
}

func TestRouter_Close(t *testing.T) {
	r := NewRouter(Options{})
	l, err := r.Listen(ChannelNode)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	<-l.Done()
	err = r.Publish(ChannelNode, 1, "onIdle", nil)
	assert.True(t, errors.IsKind(err, errors.KindClosed))
	_, err = r.Listen(ChannelNode)
	assert.True(t, errors.IsKind(err, errors.KindClosed))
}

func TestChannel_Identity(t *testing.T) {
	assert.Equal(t, "id", ChannelNode.IdentityField())
	assert.Equal(t, "id", ChannelStream.IdentityField())
	assert.Equal(t, "groupId", ChannelGroup.IdentityField())
	assert.Equal(t, "fileTransferId", ChannelFileTransfer.IdentityField())
	assert.True(t, ChannelSessionRequest.OneShot())
	assert.False(t, ChannelSession.OneShot())
	assert.Equal(t, ChannelGroup, ChannelFor(handle.CategoryGroup))
	assert.Len(t, Channels(), 7)
	assert.Equal(t, "unknown", Channel(0).String())

	ev := Event{Channel: ChannelGroup, Handle: 4, Name: "onGroupTitle", Payload: map[string]any{"title": "t"}}
	assert.Equal(t, uint64(4), ev.Fields()["groupId"])
	assert.Equal(t, "t", ev.StringField("title"))
}
