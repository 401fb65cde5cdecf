package bridge

import (
	"github.com/mr-tron/base58"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

type groupRecord struct {
	group native.Group
}

// CreateGroup creates a new group owned by the node.
func (b *Bridge) CreateGroup(node handle.Handle) (handle.Handle, error) {
	rec, err := b.node(node)
	if err != nil {
		return 0, err
	}
	return b.addGroup(node, rec, "createGroup", func(d native.GroupHandler) (native.Group, error) {
		return rec.node.NewGroup(d)
	})
}

// JoinGroup joins a group a friend invited the node to. cookie is the
// Base58 text delivered with the invite event.
func (b *Bridge) JoinGroup(node handle.Handle, friendID, cookie string) (handle.Handle, error) {
	raw, err := base58.Decode(cookie)
	if err != nil || len(raw) == 0 {
		return 0, errors.MalformedArg("joinGroup", 2, "cookie is not Base58", cookie)
	}
	rec, err := b.node(node)
	if err != nil {
		return 0, err
	}
	return b.addGroup(node, rec, "joinGroup", func(d native.GroupHandler) (native.Group, error) {
		return rec.node.JoinGroup(friendID, raw, d)
	})
}

func (b *Bridge) addGroup(node handle.Handle, rec *nodeRecord, action string, create func(native.GroupHandler) (native.Group, error)) (handle.Handle, error) {
	h, err := b.groups.Reserve(node)
	if err != nil {
		return 0, err
	}

	g, err := create(&groupDelegate{b: b, h: h})
	if err != nil {
		b.groups.Release(h)
		return 0, nativeErr(action, err)
	}

	if err := b.groups.Bind(h, &groupRecord{group: g}); err != nil {
		_ = rec.node.LeaveGroup(g)
		return 0, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryNode.String(), uint64(node))
	}
	return h, nil
}

// LeaveGroup leaves the group and releases its handle.
func (b *Bridge) LeaveGroup(node, group handle.Handle) error {
	nrec, err := b.node(node)
	if err != nil {
		return err
	}
	grec, err := b.group(group)
	if err != nil {
		return err
	}
	if owner, _ := b.groups.Owner(group); owner != node {
		return errors.New(errors.PhaseOperation, errors.KindHandleNotFound).
			Action("leaveGroup").
			Handle(handle.CategoryGroup.String(), uint64(group)).
			Detail("group %d does not belong to node %d", group, node).
			Build()
	}

	b.groups.Release(group)
	return nativeErr("leaveGroup", nrec.node.LeaveGroup(grec.group))
}

// Groups lists the node's live group handles in ascending order.
func (b *Bridge) Groups(node handle.Handle) ([]handle.Handle, error) {
	if _, err := b.node(node); err != nil {
		return nil, err
	}
	return b.groups.Owned(node), nil
}

// InviteGroup invites a friend into the group.
func (b *Bridge) InviteGroup(h handle.Handle, friendID string) error {
	rec, err := b.group(h)
	if err != nil {
		return err
	}
	return nativeErr("inviteGroup", rec.group.Invite(friendID))
}

// SendGroupMessage broadcasts message to the group.
func (b *Bridge) SendGroupMessage(h handle.Handle, message []byte) error {
	rec, err := b.group(h)
	if err != nil {
		return err
	}
	return nativeErr("sendGroupMessage", rec.group.SendMessage(message))
}

// GroupTitle returns the group's title.
func (b *Bridge) GroupTitle(h handle.Handle) (string, error) {
	rec, err := b.group(h)
	if err != nil {
		return "", err
	}
	title, err := rec.group.Title()
	return title, nativeErr("getGroupTitle", err)
}

// SetGroupTitle changes the group's title.
func (b *Bridge) SetGroupTitle(h handle.Handle, title string) error {
	rec, err := b.group(h)
	if err != nil {
		return err
	}
	return nativeErr("setGroupTitle", rec.group.SetTitle(title))
}

// GroupPeers lists the group's members.
func (b *Bridge) GroupPeers(h handle.Handle) ([]native.PeerInfo, error) {
	rec, err := b.group(h)
	if err != nil {
		return nil, err
	}
	peers, err := rec.group.Peers()
	return peers, nativeErr("getGroupPeers", err)
}

// GroupPeer returns one member of the group.
func (b *Bridge) GroupPeer(h handle.Handle, peerID string) (native.PeerInfo, error) {
	rec, err := b.group(h)
	if err != nil {
		return native.PeerInfo{}, err
	}
	peer, err := rec.group.Peer(peerID)
	return peer, nativeErr("getGroupPeer", err)
}

type groupDelegate struct {
	b *Bridge
	h handle.Handle
}

func (d *groupDelegate) emit(name string, payload map[string]any) {
	d.b.publish(event.ChannelGroup, d.h, name, payload)
}

func (d *groupDelegate) OnGroupConnected(native.Group) {
	d.emit("onConnection", nil)
}

func (d *groupDelegate) OnGroupMessage(_ native.Group, from string, message []byte) {
	d.emit("onGroupMessage", map[string]any{"from": from, "message": string(message)})
}

func (d *groupDelegate) OnGroupTitle(_ native.Group, from, title string) {
	d.emit("onGroupTitle", map[string]any{"from": from, "title": title})
}

func (d *groupDelegate) OnPeerName(_ native.Group, peerID, name string) {
	d.emit("onPeerName", map[string]any{"peerId": peerID, "peerName": name})
}

func (d *groupDelegate) OnPeerListChanged(native.Group) {
	d.emit("onPeerListChanged", nil)
}
