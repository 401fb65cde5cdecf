package bridge

import (
	"strconv"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/config"
	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

type nodeRecord struct {
	node native.Node
}

// Drop kills the native node once its handle is released.
func (r *nodeRecord) Drop() {
	r.node.Kill()
}

// NodeInfo is the snapshot returned when a node is created.
type NodeInfo struct {
	NodeID   string
	UserID   string
	Address  string
	Groups   []handle.Handle
	Handle   handle.Handle
	Nospam   uint32
	Presence native.Presence
}

// CreateNode validates opts, creates a native node and returns its handle.
// The handle is reserved before the native constructor runs, so callbacks
// fired during construction already carry it.
func (b *Bridge) CreateNode(opts native.Options) (NodeInfo, error) {
	if b.isClosed() {
		return NodeInfo{}, errors.Closed(errors.PhaseOperation, "bridge")
	}
	if err := config.ValidateNode(opts); err != nil {
		return NodeInfo{}, err
	}

	h, err := b.nodes.Reserve(0)
	if err != nil {
		return NodeInfo{}, err
	}

	n, err := b.sdk.NewNode(opts, &nodeDelegate{b: b, h: h})
	if err != nil {
		b.nodes.Release(h)
		return NodeInfo{}, nativeErr("createObject", err)
	}

	info := NodeInfo{
		Handle:  h,
		NodeID:  n.NodeID(),
		UserID:  n.UserID(),
		Address: n.Address(),
	}
	if info.Nospam, err = n.Nospam(); err == nil {
		info.Presence, err = n.Presence()
	}
	if err != nil {
		n.Kill()
		b.nodes.Release(h)
		return NodeInfo{}, nativeErr("createObject", err)
	}

	if err := b.nodes.Bind(h, &nodeRecord{node: n}); err != nil {
		n.Kill()
		return NodeInfo{}, err
	}
	info.Groups = b.groups.Owned(h)

	Logger().Debug("node created", zap.Uint64("node", uint64(h)), zap.String("user", info.UserID))
	return info, nil
}

// Start begins the node's network loop. A zero interval uses the bridge
// default.
func (b *Bridge) Start(h handle.Handle, iterateInterval time.Duration) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	if iterateInterval <= 0 {
		iterateInterval = b.opts.IterateInterval
	}
	return nativeErr("carrierStart", rec.node.Start(iterateInterval))
}

// IsReady reports whether the node has joined the network.
func (b *Bridge) IsReady(h handle.Handle) (bool, error) {
	rec, err := b.node(h)
	if err != nil {
		return false, err
	}
	return rec.node.IsReady(), nil
}

// SelfInfo returns the node's own profile.
func (b *Bridge) SelfInfo(h handle.Handle) (native.UserInfo, error) {
	rec, err := b.node(h)
	if err != nil {
		return native.UserInfo{}, err
	}
	info, err := rec.node.SelfInfo()
	return info, nativeErr("getSelfInfo", err)
}

// SetSelfInfo updates one profile field by name and returns the new profile.
// Valid names are name, description, gender, phone, email, region and
// hasAvatar.
func (b *Bridge) SetSelfInfo(h handle.Handle, field, value string) (native.UserInfo, error) {
	rec, err := b.node(h)
	if err != nil {
		return native.UserInfo{}, err
	}
	info, err := rec.node.SelfInfo()
	if err != nil {
		return native.UserInfo{}, nativeErr("setSelfInfo", err)
	}

	switch field {
	case "name":
		info.Name = value
	case "description":
		info.Description = value
	case "gender":
		info.Gender = value
	case "phone":
		info.Phone = value
	case "email":
		info.Email = value
	case "region":
		info.Region = value
	case "hasAvatar":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return native.UserInfo{}, errors.MalformedArg("setSelfInfo", 2, "hasAvatar must be true or false", value)
		}
		info.HasAvatar = v
	default:
		return native.UserInfo{}, errors.MalformedArg("setSelfInfo", 1, "unknown profile field", field)
	}

	if err := rec.node.SetSelfInfo(info); err != nil {
		return native.UserInfo{}, nativeErr("setSelfInfo", err)
	}
	return info, nil
}

// Nospam returns the node's anti-spam value.
func (b *Bridge) Nospam(h handle.Handle) (uint32, error) {
	rec, err := b.node(h)
	if err != nil {
		return 0, err
	}
	v, err := rec.node.Nospam()
	return v, nativeErr("getNospam", err)
}

// SetNospam changes the node's anti-spam value.
func (b *Bridge) SetNospam(h handle.Handle, nospam uint32) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("setNospam", rec.node.SetNospam(nospam))
}

// Presence returns the node's presence.
func (b *Bridge) Presence(h handle.Handle) (native.Presence, error) {
	rec, err := b.node(h)
	if err != nil {
		return 0, err
	}
	p, err := rec.node.Presence()
	return p, nativeErr("getPresence", err)
}

// SetPresence changes the node's presence.
func (b *Bridge) SetPresence(h handle.Handle, p native.Presence) error {
	if !p.Valid() {
		return errors.InvalidEnum("setPresence", 1, int(p), "Presence")
	}
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("setPresence", rec.node.SetPresence(p))
}

// Friends returns every friend of the node.
func (b *Bridge) Friends(h handle.Handle) ([]native.FriendInfo, error) {
	rec, err := b.node(h)
	if err != nil {
		return nil, err
	}
	friends, err := rec.node.Friends()
	return friends, nativeErr("getFriends", err)
}

// Friend returns one friend's info.
func (b *Bridge) Friend(h handle.Handle, userID string) (native.FriendInfo, error) {
	rec, err := b.node(h)
	if err != nil {
		return native.FriendInfo{}, err
	}
	info, err := rec.node.Friend(userID)
	return info, nativeErr("getFriend", err)
}

// LabelFriend sets a local label on a friend.
func (b *Bridge) LabelFriend(h handle.Handle, userID, label string) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("labelFriend", rec.node.LabelFriend(userID, label))
}

// IsFriend reports whether userID is a friend of the node.
func (b *Bridge) IsFriend(h handle.Handle, userID string) (bool, error) {
	rec, err := b.node(h)
	if err != nil {
		return false, err
	}
	ok, err := rec.node.IsFriend(userID)
	return ok, nativeErr("isFriend", err)
}

// AddFriend sends a friend request to address.
func (b *Bridge) AddFriend(h handle.Handle, address, hello string) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("addFriend", rec.node.AddFriend(address, hello))
}

// AcceptFriend accepts a pending friend request from userID.
func (b *Bridge) AcceptFriend(h handle.Handle, userID string) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("acceptFriend", rec.node.AcceptFriend(userID))
}

// RemoveFriend removes userID from the friend list.
func (b *Bridge) RemoveFriend(h handle.Handle, userID string) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	return nativeErr("removeFriend", rec.node.RemoveFriend(userID))
}

// SendFriendMessage sends message to a friend and reports whether it was
// stored for offline delivery.
func (b *Bridge) SendFriendMessage(h handle.Handle, to string, message []byte) (bool, error) {
	rec, err := b.node(h)
	if err != nil {
		return false, err
	}
	offline, err := rec.node.SendFriendMessage(to, message)
	return offline, nativeErr("sendFriendMessage", err)
}

// InviteFriend sends an invite to a friend. The single reply is published on
// the friend invite channel tagged with id.
func (b *Bridge) InviteFriend(h handle.Handle, to, data string, id correlation.ID) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}

	err = b.invites.Track(id, h, func(payload map[string]any) {
		b.publish(event.ChannelFriendInvite, handle.Handle(id), "onReceived", payload)
	})
	if err != nil {
		return err
	}

	if err := rec.node.InviteFriend(to, data, &inviteDelegate{b: b, id: id}); err != nil {
		b.invites.Cancel(id)
		return nativeErr("inviteFriend", err)
	}
	return nil
}

// ReplyFriendInvite answers an invite from a friend. Status zero accepts and
// sends data; any other status refuses with reason.
func (b *Bridge) ReplyFriendInvite(h handle.Handle, to string, status int, reason, data string) error {
	rec, err := b.node(h)
	if err != nil {
		return err
	}
	if status == 0 {
		reason = ""
	} else {
		data = ""
	}
	return nativeErr("replyFriendInvite", rec.node.ReplyFriendInvite(to, status, reason, data))
}

// DestroyNode releases the node and everything created from it: sessions
// and their streams, groups, file transfers and pending invites.
func (b *Bridge) DestroyNode(h handle.Handle) error {
	if _, err := b.node(h); err != nil {
		return err
	}
	b.teardownNode(h)
	return nil
}

func (b *Bridge) teardownNode(h handle.Handle) {
	cancelled := b.invites.CancelOwner(h)
	for _, s := range b.sessions.Owned(h) {
		b.teardownSession(s)
	}

	rec, ok := b.nodes.Resolve(h)
	for _, g := range b.groups.Owned(h) {
		if grp, released := b.groups.Release(g); released && ok && grp != nil {
			if err := rec.node.LeaveGroup(grp.group); err != nil {
				Logger().Debug("leave group on teardown", zap.Uint64("group", uint64(g)), zap.Error(err))
			}
		}
	}
	for _, f := range b.transfers.Owned(h) {
		b.transfers.Release(f)
	}
	b.nodes.Release(h)

	Logger().Debug("node destroyed",
		zap.Uint64("node", uint64(h)),
		zap.Int("cancelled_invites", cancelled))
}

type nodeDelegate struct {
	b *Bridge
	h handle.Handle
}

func (d *nodeDelegate) emit(name string, payload map[string]any) {
	d.b.publish(event.ChannelNode, d.h, name, payload)
}

func (d *nodeDelegate) OnIdle(native.Node) {
	d.emit("onIdle", nil)
}

func (d *nodeDelegate) OnConnection(_ native.Node, status native.ConnectionStatus) {
	d.emit("onConnection", map[string]any{"status": int(status)})
}

func (d *nodeDelegate) OnReady(native.Node) {
	d.emit("onReady", nil)
}

func (d *nodeDelegate) OnSelfInfoChanged(_ native.Node, info native.UserInfo) {
	d.emit("onSelfInfoChanged", map[string]any{"userInfo": userInfoMap(info)})
}

func (d *nodeDelegate) OnFriends(_ native.Node, friends []native.FriendInfo) {
	d.emit("onFriends", map[string]any{"friends": friendsMap(friends)})
}

func (d *nodeDelegate) OnFriendConnection(_ native.Node, friendID string, status native.ConnectionStatus) {
	d.emit("onFriendConnection", map[string]any{"friendId": friendID, "status": int(status)})
}

func (d *nodeDelegate) OnFriendInfoChanged(_ native.Node, friendID string, info native.FriendInfo) {
	d.emit("onFriendInfoChanged", map[string]any{"friendId": friendID, "friendInfo": friendInfoMap(info)})
}

func (d *nodeDelegate) OnFriendPresence(_ native.Node, friendID string, presence native.Presence) {
	d.emit("onFriendPresence", map[string]any{"friendId": friendID, "presence": int(presence)})
}

func (d *nodeDelegate) OnFriendRequest(_ native.Node, userID string, info native.UserInfo, hello string) {
	d.emit("onFriendRequest", map[string]any{"userId": userID, "userInfo": userInfoMap(info), "hello": hello})
}

func (d *nodeDelegate) OnFriendAdded(_ native.Node, info native.FriendInfo) {
	d.emit("onFriendAdded", map[string]any{"friendInfo": friendInfoMap(info)})
}

func (d *nodeDelegate) OnFriendRemoved(_ native.Node, friendID string) {
	d.emit("onFriendRemoved", map[string]any{"friendId": friendID})
}

func (d *nodeDelegate) OnFriendMessage(_ native.Node, from string, message []byte, offline bool) {
	d.emit("onFriendMessage", map[string]any{"from": from, "message": string(message), "isOffline": offline})
}

func (d *nodeDelegate) OnFriendInviteRequest(_ native.Node, from, data string) {
	d.emit("onFriendInviteRequest", map[string]any{"from": from, "message": data})
}

func (d *nodeDelegate) OnSessionRequest(_ native.Node, from, sdp string) {
	d.emit("onSessionRequest", map[string]any{"from": from, "sdp": sdp})
}

func (d *nodeDelegate) OnGroupInvite(_ native.Node, from string, cookie []byte) {
	d.emit("onGroupInvite", map[string]any{"from": from, "cookieCode": base58.Encode(cookie)})
}

func (d *nodeDelegate) OnConnectRequest(_ native.Node, from string, info native.FileInfo) {
	d.emit("onConnectRequest", map[string]any{"from": from, "info": fileInfoMap(info)})
}

type inviteDelegate struct {
	b  *Bridge
	id correlation.ID
}

func (d *inviteDelegate) OnReceived(from string, status int, reason, data string) {
	payload := map[string]any{"from": from, "status": status, "reason": reason, "data": data}
	fireOnce(d.b.invites, d.id, payload, "friend invite")
}

func fireOnce(t *correlation.Table[map[string]any], id correlation.ID, payload map[string]any, what string) {
	err := t.Fire(id, payload)
	switch {
	case err == nil:
	case correlation.IsRetired(err):
		Logger().Warn("duplicate one-shot reply dropped",
			zap.String("kind", what),
			zap.Uint64("correlation", uint64(id)))
	default:
		Logger().Warn("one-shot reply for unknown correlation",
			zap.String("kind", what),
			zap.Uint64("correlation", uint64(id)),
			zap.Error(err))
	}
}
