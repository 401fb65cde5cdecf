package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
	"github.com/wippyai/carrier-bridge/native/memsdk"
)

func newBridge(t *testing.T, opts Options) (*Bridge, *memsdk.SDK) {
	t.Helper()
	sdk := memsdk.New()
	b := New(sdk, opts)
	t.Cleanup(func() {
		_ = b.Close()
		sdk.Network().Close()
	})
	return b, sdk
}

func settle(t *testing.T, sdk *memsdk.SDK) {
	t.Helper()
	require.True(t, sdk.Network().Sync(time.Second))
}

func startNode(t *testing.T, b *Bridge, dir string) NodeInfo {
	t.Helper()
	info, err := b.CreateNode(native.Options{PersistentLocation: dir})
	require.NoError(t, err)
	require.NoError(t, b.Start(info.Handle, 0))
	return info
}

// friends returns two started nodes that are friends of each other.
func friends(t *testing.T, b *Bridge, sdk *memsdk.SDK) (NodeInfo, NodeInfo) {
	t.Helper()
	a := startNode(t, b, "a")
	c := startNode(t, b, "c")
	require.NoError(t, b.AddFriend(a.Handle, c.Address, "hi"))
	settle(t, sdk)
	require.NoError(t, b.AcceptFriend(c.Handle, a.UserID))
	settle(t, sdk)
	return a, c
}

func drain(t *testing.T, b *Bridge, ch event.Channel) []event.Event {
	t.Helper()
	l, err := b.Listen(ch)
	require.NoError(t, err)
	defer l.Close()

	var out []event.Event
	for {
		ev, ok, err := l.TryNext()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func named(evs []event.Event, name string) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func nativeNode(t *testing.T, b *Bridge, h handle.Handle) *memsdk.Node {
	t.Helper()
	rec, ok := b.nodes.Resolve(h)
	require.True(t, ok)
	return rec.node.(*memsdk.Node)
}

func TestCreateNode(t *testing.T) {
	b, sdk := newBridge(t, Options{})

	info, err := b.CreateNode(native.Options{PersistentLocation: "a"})
	require.NoError(t, err)
	assert.Equal(t, handle.Handle(1), info.Handle)
	assert.NotEmpty(t, info.NodeID)
	assert.NotEmpty(t, info.UserID)
	assert.True(t, sdk.IsValidAddress(info.Address))
	assert.Equal(t, native.PresenceNone, info.Presence)
	assert.Empty(t, info.Groups)

	nospam, err := b.Nospam(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, info.Nospam, nospam)

	second, err := b.CreateNode(native.Options{PersistentLocation: "b"})
	require.NoError(t, err)
	assert.Equal(t, handle.Handle(2), second.Handle)
}

func TestCreateNode_InvalidOptions(t *testing.T) {
	b, _ := newBridge(t, Options{})

	_, err := b.CreateNode(native.Options{})
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))
	assert.Equal(t, uint64(0), b.nodes.Issued(), "validation runs before a handle is reserved")
}

func TestCreateNode_NativeFailure(t *testing.T) {
	b, sdk := newBridge(t, Options{})

	sdk.Network().FailNext("NewNode", fmt.Errorf("disk full"))
	_, err := b.CreateNode(native.Options{PersistentLocation: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNativeFailed))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, b.nodes.Len())

	info, err := b.CreateNode(native.Options{PersistentLocation: "a"})
	require.NoError(t, err)
	assert.Equal(t, handle.Handle(2), info.Handle, "the reserved handle is not reused")
}

func TestNode_StartEvents(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	info := startNode(t, b, "a")
	settle(t, sdk)

	evs := drain(t, b, event.ChannelNode)
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		assert.Equal(t, info.Handle, ev.Handle)
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"onConnection", "onFriends", "onReady", "onIdle"}, names)

	ready, err := b.IsReady(info.Handle)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestNode_ProfileAndPresence(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	got, err := b.SetSelfInfo(a.Handle, "name", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)

	_, err = b.SetSelfInfo(a.Handle, "hasAvatar", "maybe")
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))
	_, err = b.SetSelfInfo(a.Handle, "shoeSize", "42")
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))

	require.NoError(t, b.SetPresence(a.Handle, native.PresenceAway))
	p, err := b.Presence(a.Handle)
	require.NoError(t, err)
	assert.Equal(t, native.PresenceAway, p)
	assert.True(t, errors.IsKind(b.SetPresence(a.Handle, 9), errors.KindMalformedRequest))

	require.NoError(t, b.SetNospam(a.Handle, 42))
	nospam, err := b.Nospam(a.Handle)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), nospam)

	settle(t, sdk)
	evs := drain(t, b, event.ChannelNode)
	presence := named(evs, "onFriendPresence")
	require.NotEmpty(t, presence)
	assert.Equal(t, c.Handle, presence[0].Handle)
	assert.Equal(t, a.UserID, presence[0].Payload["friendId"])
}

func TestNode_FriendsAndMessages(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	ok, err := b.IsFriend(a.Handle, c.UserID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.LabelFriend(a.Handle, c.UserID, "carol"))
	info, err := b.Friend(a.Handle, c.UserID)
	require.NoError(t, err)
	assert.Equal(t, "carol", info.Label)

	list, err := b.Friends(a.Handle)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	offline, err := b.SendFriendMessage(a.Handle, c.UserID, []byte("hello"))
	require.NoError(t, err)
	assert.False(t, offline)
	settle(t, sdk)

	msgs := named(drain(t, b, event.ChannelNode), "onFriendMessage")
	require.Len(t, msgs, 1)
	assert.Equal(t, c.Handle, msgs[0].Handle)
	assert.Equal(t, "hello", msgs[0].Payload["message"])
	assert.Equal(t, a.UserID, msgs[0].Payload["from"])

	_, err = b.Friend(a.Handle, "nobody")
	assert.True(t, errors.IsKind(err, errors.KindNativeFailed))
}

func TestSession_DistinctNamespaces(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	assert.Equal(t, handle.Handle(1), s.Handle, "sessions count independently of nodes")
	assert.Equal(t, c.UserID, s.Peer)

	peer, err := b.SessionPeer(s.Handle)
	require.NoError(t, err)
	assert.Equal(t, c.UserID, peer)

	_, err = b.NewSession(a.Handle, "stranger")
	assert.True(t, errors.IsKind(err, errors.KindNativeFailed))
}

func TestStream_StateChangedReachesOnlyItsHandle(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	st1, err := b.AddStream(s.Handle, native.StreamText, native.OptionReliable)
	require.NoError(t, err)
	st2, err := b.AddStream(s.Handle, native.StreamText, native.OptionReliable)
	require.NoError(t, err)
	assert.NotEqual(t, st1.Handle, st2.Handle)
	assert.Equal(t, 1, st1.ID)
	assert.Equal(t, 2, st2.ID)

	settle(t, sdk)
	drain(t, b, event.ChannelStream)

	rec, ok := b.streams.Resolve(st1.Handle)
	require.True(t, ok)
	rec.stream.(*memsdk.Stream).Handler().OnStateChanged(rec.stream, native.StreamConnected)

	evs := drain(t, b, event.ChannelStream)
	require.Len(t, evs, 1)
	assert.Equal(t, st1.Handle, evs[0].Handle)
	assert.Equal(t, "onStateChanged", evs[0].Name)
	assert.Equal(t, int(native.StreamConnected), evs[0].Payload["state"])
}

func TestInviteFriend_DeliveredOnce(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	const id = correlation.ID(77)
	require.NoError(t, b.InviteFriend(a.Handle, c.UserID, "join me", id))
	settle(t, sdk)

	requests := named(drain(t, b, event.ChannelNode), "onFriendInviteRequest")
	require.Len(t, requests, 1)
	assert.Equal(t, c.Handle, requests[0].Handle)
	assert.Equal(t, "join me", requests[0].Payload["message"])

	pending := nativeNode(t, b, c.Handle).PendingInvites(a.UserID)
	require.Len(t, pending, 1)
	pending[0].OnReceived(c.UserID, 0, "", "ok")
	pending[0].OnReceived(c.UserID, 0, "", "again")

	evs := drain(t, b, event.ChannelFriendInvite)
	require.Len(t, evs, 1)
	assert.Equal(t, handle.Handle(id), evs[0].Handle)
	assert.Equal(t, "ok", evs[0].Payload["data"])
	assert.Equal(t, uint64(id), evs[0].Fields()["id"])

	err := b.invites.Fire(id, nil)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.True(t, correlation.IsRetired(err))
}

func TestInviteFriend_ReplyThroughBridge(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	require.NoError(t, b.InviteFriend(a.Handle, c.UserID, "data", 5))
	err := b.InviteFriend(a.Handle, c.UserID, "data", 5)
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest), "id already pending")
	settle(t, sdk)

	require.NoError(t, b.ReplyFriendInvite(c.Handle, a.UserID, 1, "busy", "ignored"))
	settle(t, sdk)

	evs := drain(t, b, event.ChannelFriendInvite)
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].Payload["status"])
	assert.Equal(t, "busy", evs[0].Payload["reason"])
	assert.Equal(t, "", evs[0].Payload["data"])
	assert.Equal(t, 0, b.PendingCorrelations())
}

func TestInviteFriend_NativeFailureCancels(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	sdk.Network().FailNext("InviteFriend", fmt.Errorf("offline"))
	err := b.InviteFriend(a.Handle, c.UserID, "x", 9)
	assert.True(t, errors.IsKind(err, errors.KindNativeFailed))
	assert.Equal(t, 0, b.PendingCorrelations())
}

func TestSessionRequest_Completion(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	sa, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	_, err = b.AddStream(sa.Handle, native.StreamApplication, native.OptionMultiplexing)
	require.NoError(t, err)
	require.NoError(t, b.SessionRequest(sa.Handle, 3))
	settle(t, sdk)

	req := named(drain(t, b, event.ChannelNode), "onSessionRequest")
	require.Len(t, req, 1)
	assert.Equal(t, c.Handle, req[0].Handle)

	sc, err := b.NewSession(c.Handle, a.UserID)
	require.NoError(t, err)
	stc, err := b.AddStream(sc.Handle, native.StreamApplication, native.OptionMultiplexing)
	require.NoError(t, err)
	require.NoError(t, b.SessionReplyRequest(sc.Handle, 0, "ignored"))
	settle(t, sdk)

	done := drain(t, b, event.ChannelSessionRequest)
	require.Len(t, done, 1)
	assert.Equal(t, handle.Handle(3), done[0].Handle)
	assert.Equal(t, "onCompletion", done[0].Name)
	sdp, _ := done[0].Payload["sdp"].(string)
	assert.NotEmpty(t, sdp)

	require.NoError(t, b.SessionStart(sa.Handle, sdp))
	settle(t, sdk)

	states := named(drain(t, b, event.ChannelStream), "onStateChanged")
	var connected bool
	for _, ev := range states {
		if ev.Handle == stc.Handle && ev.Payload["state"] == int(native.StreamConnected) {
			connected = true
		}
	}
	assert.True(t, connected)
}

func TestCloseSession_LateEventIsHarmless(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	st, err := b.AddStream(s.Handle, native.StreamText, native.OptionReliable)
	require.NoError(t, err)
	require.NoError(t, b.SessionRequest(s.Handle, 11))

	rec, ok := b.sessions.Resolve(s.Handle)
	require.True(t, ok)
	ns := rec.session.(*memsdk.Session)

	require.NoError(t, b.CloseSession(s.Handle))
	assert.False(t, b.sessions.Contains(s.Handle))
	assert.False(t, b.streams.Contains(st.Handle), "streams are released with their session")
	assert.Equal(t, 0, b.PendingCorrelations(), "pending requests are cancelled")
	settle(t, sdk)
	drain(t, b, event.ChannelSession)

	assert.NotPanics(t, func() {
		ns.Handler().OnStateChanged(ns, native.SessionClosed)
	})
	evs := drain(t, b, event.ChannelSession)
	require.Len(t, evs, 1)
	assert.Equal(t, s.Handle, evs[0].Handle, "late events keep their stale handle for the caller to drop")

	assert.True(t, errors.IsKind(b.CloseSession(s.Handle), errors.KindHandleNotFound))
	_, err = b.StreamWrite(st.Handle, []byte("x"))
	assert.True(t, errors.IsKind(err, errors.KindHandleNotFound))
}

func TestStream_CreateReleaseCycles(t *testing.T) {
	b, sdk := newBridge(t, Options{Backlog: 16})
	a, c := friends(t, b, sdk)
	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)

	before := b.streams.Issued()
	seen := make(map[handle.Handle]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		st, err := b.AddStream(s.Handle, native.StreamText, 0)
		require.NoError(t, err)
		_, dup := seen[st.Handle]
		require.False(t, dup, "handle %d issued twice", st.Handle)
		seen[st.Handle] = struct{}{}
		require.NoError(t, b.RemoveStream(s.Handle, st.Handle))
	}
	assert.Equal(t, before+10000, b.streams.Issued())
	assert.Equal(t, 0, b.streams.Len())
}

func TestRemoveStream_WrongSession(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s1, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	s2, err := b.NewSession(c.Handle, a.UserID)
	require.NoError(t, err)
	st, err := b.AddStream(s1.Handle, native.StreamText, 0)
	require.NoError(t, err)

	err = b.RemoveStream(s2.Handle, st.Handle)
	assert.True(t, errors.IsKind(err, errors.KindHandleNotFound))
	assert.True(t, b.streams.Contains(st.Handle))
}

func TestAddStream_InvalidEnums(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)
	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)

	_, err = b.AddStream(s.Handle, native.StreamType(42), 0)
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))
	_, err = b.AddStream(s.Handle, native.StreamText, native.OptionPortForwarding)
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))
	assert.Equal(t, uint64(0), b.streams.Issued())
}

type rejectChannels struct{ AcceptAll }

func (rejectChannels) AcceptChannel(handle.Handle, int, string) bool { return false }

func TestStream_ChannelPolicy(t *testing.T) {
	b, sdk := newBridge(t, Options{Policy: rejectChannels{}})
	a, c := friends(t, b, sdk)

	sa, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	sta, err := b.AddStream(sa.Handle, native.StreamApplication, native.OptionMultiplexing)
	require.NoError(t, err)
	require.NoError(t, b.SessionRequest(sa.Handle, 1))
	settle(t, sdk)

	sc, err := b.NewSession(c.Handle, a.UserID)
	require.NoError(t, err)
	stc, err := b.AddStream(sc.Handle, native.StreamApplication, native.OptionMultiplexing)
	require.NoError(t, err)
	require.NoError(t, b.SessionReplyRequest(sc.Handle, 0, ""))
	require.NoError(t, b.SessionStart(sa.Handle, "sdp"))
	settle(t, sdk)
	drain(t, b, event.ChannelStream)

	ch, err := b.OpenChannel(sta.Handle, "cookie")
	require.NoError(t, err)
	settle(t, sdk)

	evs := drain(t, b, event.ChannelStream)
	open := named(evs, "onChannelOpen")
	require.Len(t, open, 1)
	assert.Equal(t, stc.Handle, open[0].Handle)
	assert.Equal(t, fmt.Sprint(ch), open[0].Sub)
	assert.Equal(t, "cookie", open[0].Payload["cookie"])

	closed := named(evs, "onChannelClose")
	require.Len(t, closed, 1)
	assert.Equal(t, sta.Handle, closed[0].Handle)
	assert.Equal(t, int(native.CloseError), closed[0].Payload["reason"])
}

func TestGroup_Flow(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	g, err := b.CreateGroup(a.Handle)
	require.NoError(t, err)
	require.NoError(t, b.SetGroupTitle(g, "team"))
	require.NoError(t, b.InviteGroup(g, c.UserID))
	settle(t, sdk)

	invites := named(drain(t, b, event.ChannelNode), "onGroupInvite")
	require.Len(t, invites, 1)
	assert.Equal(t, c.Handle, invites[0].Handle)
	cookie := invites[0].StringField("cookieCode")
	require.NotEmpty(t, cookie)

	_, err = b.JoinGroup(c.Handle, a.UserID, "0OIl")
	assert.True(t, errors.IsKind(err, errors.KindMalformedRequest))

	gc, err := b.JoinGroup(c.Handle, a.UserID, cookie)
	require.NoError(t, err)
	assert.NotEqual(t, g, gc)

	require.NoError(t, b.SendGroupMessage(gc, []byte("yo")))
	settle(t, sdk)
	msgs := named(drain(t, b, event.ChannelGroup), "onGroupMessage")
	require.NotEmpty(t, msgs)
	assert.Equal(t, g, msgs[0].Handle)
	assert.Equal(t, uint64(g), msgs[0].Fields()["groupId"])
	assert.Equal(t, "yo", msgs[0].Payload["message"])

	title, err := b.GroupTitle(gc)
	require.NoError(t, err)
	assert.Equal(t, "team", title)

	peers, err := b.GroupPeers(g)
	require.NoError(t, err)
	assert.Len(t, peers, 2)
	peer, err := b.GroupPeer(g, c.UserID)
	require.NoError(t, err)
	assert.Equal(t, c.UserID, peer.UserID)

	groups, err := b.Groups(a.Handle)
	require.NoError(t, err)
	assert.Equal(t, []handle.Handle{g}, groups)

	err = b.LeaveGroup(a.Handle, gc)
	assert.True(t, errors.IsKind(err, errors.KindHandleNotFound), "group belongs to the other node")

	require.NoError(t, b.LeaveGroup(c.Handle, gc))
	assert.False(t, b.groups.Contains(gc))
	peers, err = b.GroupPeers(g)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestFileTransfer_Flow(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	info := native.FileInfo{FileName: "a.txt", FileID: b.GenerateFileID(), Size: 3}
	fa, err := b.NewFileTransfer(a.Handle, c.UserID, &info)
	require.NoError(t, err)
	require.NoError(t, b.FileTransferConnect(fa))
	settle(t, sdk)

	req := named(drain(t, b, event.ChannelNode), "onConnectRequest")
	require.Len(t, req, 1)
	assert.Equal(t, c.Handle, req[0].Handle)
	assert.Equal(t, "a.txt", req[0].Payload["info"].(map[string]any)["filename"])

	fc, err := b.NewFileTransfer(c.Handle, a.UserID, nil)
	require.NoError(t, err)
	require.NoError(t, b.AcceptFileTransferConnect(fc))
	settle(t, sdk)

	name, err := b.FileTransferFileName(fc, info.FileID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", name)
	id, err := b.FileTransferFileID(fa, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, info.FileID, id)

	require.NoError(t, b.PullFileTransferData(fc, info.FileID, 0))
	settle(t, sdk)
	_, err = b.WriteFileTransferData(fa, info.FileID, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, b.SendFileTransferFinish(fa, info.FileID))
	settle(t, sdk)

	evs := drain(t, b, event.ChannelFileTransfer)
	pull := named(evs, "onPullRequest")
	require.Len(t, pull, 1)
	assert.Equal(t, fa, pull[0].Handle)

	data := named(evs, "onData")
	require.Len(t, data, 1)
	assert.Equal(t, fc, data[0].Handle)
	assert.Equal(t, info.FileID, data[0].Sub)
	assert.Equal(t, "YWJj", data[0].Payload["data"])
	assert.Equal(t, uint64(fc), data[0].Fields()["fileTransferId"])
	assert.Len(t, named(evs, "onDataFinished"), 1)

	require.NoError(t, b.CloseFileTransfer(fa))
	assert.True(t, errors.IsKind(b.CloseFileTransfer(fa), errors.KindHandleNotFound))
}

func TestDestroyNode_Cascades(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s, err := b.NewSession(a.Handle, c.UserID)
	require.NoError(t, err)
	st, err := b.AddStream(s.Handle, native.StreamText, 0)
	require.NoError(t, err)
	g, err := b.CreateGroup(a.Handle)
	require.NoError(t, err)
	ft, err := b.NewFileTransfer(a.Handle, c.UserID, nil)
	require.NoError(t, err)
	require.NoError(t, b.InviteFriend(a.Handle, c.UserID, "x", 1))
	require.NoError(t, b.SessionRequest(s.Handle, 2))
	require.Equal(t, 2, b.PendingCorrelations())

	require.NoError(t, b.DestroyNode(a.Handle))

	counts := b.Counts()
	assert.Equal(t, 1, counts[handle.CategoryNode])
	assert.Equal(t, 0, counts[handle.CategorySession])
	assert.Equal(t, 0, counts[handle.CategoryStream])
	assert.Equal(t, 0, counts[handle.CategoryGroup])
	assert.Equal(t, 0, counts[handle.CategoryFileTransfer])
	assert.Equal(t, 0, b.PendingCorrelations())

	for _, err := range []error{
		b.DestroyNode(a.Handle),
		b.SessionStart(s.Handle, "x"),
		b.PendChannel(st.Handle, 1),
		b.InviteGroup(g, c.UserID),
		b.FileTransferConnect(ft),
	} {
		assert.True(t, errors.IsKind(err, errors.KindHandleNotFound), "%v", err)
	}

	settle(t, sdk)
	conn := named(drain(t, b, event.ChannelNode), "onFriendConnection")
	require.NotEmpty(t, conn)
	assert.Equal(t, c.Handle, conn[len(conn)-1].Handle)
	assert.Equal(t, int(native.Disconnected), conn[len(conn)-1].Payload["status"])
}

type observer struct {
	events []handle.Event
}

func (o *observer) OnHandleEvent(e handle.Event) {
	o.events = append(o.events, e)
}

func TestClose_ReleasesEverything(t *testing.T) {
	sdk := memsdk.New()
	defer sdk.Network().Close()
	b := New(sdk, Options{})

	obs := &observer{}
	b.Subscribe(obs)

	info, err := b.CreateNode(native.Options{PersistentLocation: "a"})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Len(t, obs.events, 2)
	assert.Equal(t, handle.EventAllocated, obs.events[0].Type)
	assert.Equal(t, handle.EventReleased, obs.events[1].Type)
	assert.Equal(t, info.Handle, obs.events[1].Handle)

	_, err = b.CreateNode(native.Options{PersistentLocation: "b"})
	assert.True(t, errors.IsKind(err, errors.KindClosed))
	_, err = b.Listen(event.ChannelNode)
	assert.True(t, errors.IsKind(err, errors.KindClosed))
}

func TestCorrelationTimeout(t *testing.T) {
	b, sdk := newBridge(t, Options{CorrelationTimeout: 20 * time.Millisecond})
	a, c := friends(t, b, sdk)

	l, err := b.Listen(event.ChannelFriendInvite)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, b.InviteFriend(a.Handle, c.UserID, "x", 1))
	settle(t, sdk)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventTimeout, ev.Name)
	assert.Equal(t, handle.Handle(1), ev.Handle)
	assert.Equal(t, 0, b.PendingCorrelations())

	// The reply arriving after expiry is not delivered.
	pending := nativeNode(t, b, c.Handle).PendingInvites(a.UserID)
	require.Len(t, pending, 1)
	pending[0].OnReceived(c.UserID, 0, "", "too late")
	_, ok, err := l.TryNext()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, correlation.IsRetired(b.invites.Fire(1, nil)))
}
