package bridge

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/native"
	"github.com/wippyai/carrier-bridge/native/memsdk"
)

func exec(t *testing.T, b *Bridge, action string, args ...any) map[string]any {
	t.Helper()
	res, err := b.Exec(context.Background(), action, args)
	require.NoError(t, err, action)
	m, ok := res.(map[string]any)
	require.True(t, ok, "%s returned %T", action, res)
	return m
}

func execErr(t *testing.T, b *Bridge, action string, args ...any) *errors.Error {
	t.Helper()
	_, err := b.Exec(context.Background(), action, args)
	require.Error(t, err, action)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	return e
}

func TestExec_CreateObjectAndStart(t *testing.T) {
	b, sdk := newBridge(t, Options{
		DataDir:      "/data/carrier",
		NodeDefaults: native.Options{UDPEnabled: true},
	})

	res := exec(t, b, "createObject", "alice", `{"udpEnabled": false}`)
	assert.Equal(t, uint64(1), res["id"])
	assert.NotEmpty(t, res["userId"])
	assert.True(t, sdk.IsValidAddress(res["address"].(string)))
	assert.Equal(t, []uint64{}, res["groups"])

	// JSON numbers arrive as float64.
	ok, err := b.Exec(context.Background(), "carrierStart", []any{float64(1), float64(100)})
	require.NoError(t, err)
	assert.Equal(t, "ok", ok)
	settle(t, sdk)

	assert.Equal(t, true, exec(t, b, "isReady", 1)["isReady"])
	assert.Equal(t, "alice", exec(t, b, "setSelfInfo", 1, "name", "alice")["value"])
	assert.Equal(t, "alice", exec(t, b, "getSelfInfo", 1)["name"])
}

func TestExec_CreateObjectDoesNotMutateDefaults(t *testing.T) {
	defaults := native.Options{Bootstraps: []native.BootstrapNode{{IPv4: "1.2.3.4", Port: 1, PublicKey: "k"}}}
	b, _ := newBridge(t, Options{NodeDefaults: defaults})

	overlay := map[string]any{
		"bootstraps": []any{map[string]any{"ipv4": "5.6.7.8", "port": 2, "publicKey": "z"}},
	}
	exec(t, b, "createObject", "n", overlay)
	assert.Equal(t, "1.2.3.4", b.opts.NodeDefaults.Bootstraps[0].IPv4)
}

func TestExec_MalformedArguments(t *testing.T) {
	b, _ := newBridge(t, Options{})
	exec(t, b, "createObject", "a", nil)

	tests := []struct {
		name   string
		action string
		args   []any
		path   string
	}{
		{"string handle", "carrierStart", []any{"1", 0}, "args.0"},
		{"fractional handle", "isReady", []any{1.5}, "args.0"},
		{"zero handle", "isReady", []any{0}, "args.0"},
		{"missing argument", "addFriend", []any{1}, "args.1"},
		{"presence enum", "setPresence", []any{1, 7}, "args.1"},
		{"nospam range", "setNospam", []any{1, -1}, "args.1"},
		{"bad config", "createObject", []any{"b", "{not json"}, "args.1"},
		{"config shape", "createObject", []any{"b", map[string]any{"udpEnabled": "yes"}}, "args.1.udpEnabled"},
		{"nested config shape", "createObject", []any{"b", map[string]any{
			"bootstraps": []any{map[string]any{"port": true}},
		}}, "args.1.bootstraps.port"},
		{"address type", "isValidAddress", []any{42}, "args.0"},
		{"id type", "isValidId", []any{nil}, "args.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := execErr(t, b, tt.action, tt.args...)
			assert.Equal(t, errors.KindMalformedRequest, e.Kind)
			assert.Equal(t, tt.path, joinPath(e.Path))
			assert.Equal(t, tt.action, e.Action)
		})
	}

	assert.Equal(t, uint64(1), b.nodes.Issued(), "malformed requests never reach the native side")
}

func joinPath(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += "."
		}
		out += s
	}
	return out
}

func TestExec_UnknownActionAndHandle(t *testing.T) {
	b, _ := newBridge(t, Options{})

	e := execErr(t, b, "fly")
	assert.Equal(t, errors.KindMalformedRequest, e.Kind)

	e = execErr(t, b, "getNospam", 99)
	assert.Equal(t, errors.KindHandleNotFound, e.Kind)
	assert.Equal(t, "handle_not_found", e.Code())
}

func TestExec_StreamArguments(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	s := exec(t, b, "newSession", uint64(a.Handle), c.UserID)
	sid := s["id"]
	assert.Equal(t, c.UserID, s["peer"])

	e := execErr(t, b, "addStream", sid, 2, int(native.OptionPortForwarding))
	assert.Equal(t, errors.KindMalformedRequest, e.Kind)
	assert.Equal(t, uint64(0), b.streams.Issued())

	st := exec(t, b, "addStream", sid, int(native.StreamText), int(native.OptionReliable))
	assert.Equal(t, 1, st["id"])
	assert.Equal(t, int(native.OptionReliable), st["options"])

	e = execErr(t, b, "streamWrite", st["objId"], "%%%")
	assert.Equal(t, errors.KindMalformedRequest, e.Kind)

	// Stream not connected yet.
	e = execErr(t, b, "streamWrite", st["objId"], "aGk=")
	assert.Equal(t, errors.KindNativeFailed, e.Kind)

	res, err := b.Exec(context.Background(), "removeStream", []any{sid, st["objId"]})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestExec_InviteRoundTrip(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	exec(t, b, "inviteFriend", uint64(a.Handle), c.UserID, "hello", 1001)
	settle(t, sdk)
	exec(t, b, "replyFriendInvite", uint64(c.Handle), a.UserID, 0, nil, "welcome")
	settle(t, sdk)

	evs := drain(t, b, event.ChannelFriendInvite)
	require.Len(t, evs, 1)
	fields := evs[0].Fields()
	assert.Equal(t, uint64(1001), fields["id"])
	assert.Equal(t, "onReceived", fields["name"])
	assert.Equal(t, "welcome", fields["data"])
}

func TestExec_GroupCookie(t *testing.T) {
	b, sdk := newBridge(t, Options{})
	a, c := friends(t, b, sdk)

	g := exec(t, b, "createGroup", uint64(a.Handle))["groupId"]
	_, err := b.Exec(context.Background(), "inviteGroup", []any{g, c.UserID})
	require.NoError(t, err)
	settle(t, sdk)

	invites := named(drain(t, b, event.ChannelNode), "onGroupInvite")
	require.Len(t, invites, 1)
	joined := exec(t, b, "joinGroup", uint64(c.Handle), a.UserID, invites[0].Payload["cookieCode"])
	assert.NotEqual(t, g, joined["groupId"])

	groups := exec(t, b, "getGroups", uint64(c.Handle))["groups"]
	assert.Equal(t, []uint64{joined["groupId"].(uint64)}, groups)

	peers := exec(t, b, "getGroupPeers", g)
	assert.Len(t, peers, 2)
}

type brokenSDK struct{ native.SDK }

func TestExec_RecoversPanics(t *testing.T) {
	b := New(brokenSDK{}, Options{})
	defer b.Close()

	_, err := b.Exec(context.Background(), "getVersion", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNativeFailed))
	assert.Contains(t, err.Error(), "panic")
}

func TestExec_CancelledContext(t *testing.T) {
	b, _ := newBridge(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Exec(ctx, "getVersion", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestActions(t *testing.T) {
	names := Actions()
	assert.True(t, sort.StringsAreSorted(names))
	for _, want := range []string{
		"createObject", "carrierStart", "destroy", "newSession", "sessionRequest",
		"addStream", "openChannel", "createGroup", "joinGroup", "newFileTransfer",
		"writeFileTransData", "inviteFriend",
	} {
		assert.Contains(t, names, want)
	}
}

type countingSDK struct {
	native.SDK
	validations int
}

func (s *countingSDK) IsValidAddress(address string) bool {
	s.validations++
	return s.SDK.IsValidAddress(address)
}

func (s *countingSDK) IsValidID(id string) bool {
	s.validations++
	return s.SDK.IsValidID(id)
}

func TestExec_ValidatorsRejectBeforeNative(t *testing.T) {
	mem := memsdk.New()
	sdk := &countingSDK{SDK: mem}
	b := New(sdk, Options{})
	defer func() {
		_ = b.Close()
		mem.Network().Close()
	}()

	for _, action := range []string{"isValidAddress", "isValidId"} {
		e := execErr(t, b, action, 7)
		assert.Equal(t, errors.KindMalformedRequest, e.Kind, action)
	}
	assert.Zero(t, sdk.validations)

	res, err := b.Exec(context.Background(), "isValidId", []any{"nope"})
	require.NoError(t, err)
	assert.Equal(t, false, res)
	assert.Equal(t, 1, sdk.validations)
}
