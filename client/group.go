package client

import (
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Group is the caller-side proxy of a bridge group.
type Group struct {
	c    *Client
	cbs  Callbacks
	node handle.Handle
	h    handle.Handle
}

func (g *Group) callbacks() Callbacks { return g.cbs }

// CreateGroup creates a new group owned by the node.
func (n *Node) CreateGroup(cbs Callbacks) (*Group, error) {
	return n.addGroup(cbs, func() (handle.Handle, error) {
		return n.c.b.CreateGroup(n.info.Handle)
	})
}

// JoinGroup joins the group behind an onGroupInvite cookie.
func (n *Node) JoinGroup(friendID, cookie string, cbs Callbacks) (*Group, error) {
	return n.addGroup(cbs, func() (handle.Handle, error) {
		return n.c.b.JoinGroup(n.info.Handle, friendID, cookie)
	})
}

func (n *Node) addGroup(cbs Callbacks, create func() (handle.Handle, error)) (*Group, error) {
	c := n.c
	var g *Group
	err := c.creating(event.ChannelGroup, func() error {
		h, err := create()
		if err != nil {
			return err
		}
		g = &Group{c: c, cbs: cbs, node: n.info.Handle, h: h}
		c.groups.put(h, n.info.Handle, g)
		return nil
	})
	return g, err
}

func (g *Group) Handle() handle.Handle { return g.h }

func (g *Group) Invite(friendID string) error {
	return g.c.b.InviteGroup(g.h, friendID)
}

func (g *Group) SendMessage(message []byte) error {
	return g.c.b.SendGroupMessage(g.h, message)
}

func (g *Group) Title() (string, error) {
	return g.c.b.GroupTitle(g.h)
}

func (g *Group) SetTitle(title string) error {
	return g.c.b.SetGroupTitle(g.h, title)
}

func (g *Group) Peers() ([]native.PeerInfo, error) {
	return g.c.b.GroupPeers(g.h)
}

func (g *Group) Peer(peerID string) (native.PeerInfo, error) {
	return g.c.b.GroupPeer(g.h, peerID)
}

// Leave forgets the group and leaves it on the bridge.
func (g *Group) Leave() error {
	g.c.groups.remove(g.h)
	return g.c.b.LeaveGroup(g.node, g.h)
}
