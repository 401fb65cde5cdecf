package client

import (
	"sync"
	"time"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Node is the caller-side proxy of a bridge node.
type Node struct {
	c    *Client
	cbs  Callbacks
	info bridge.NodeInfo

	mu       sync.Mutex
	nospam   uint32
	presence native.Presence
}

func (n *Node) callbacks() Callbacks { return n.cbs }

// InviteReply is the single answer to InviteFriend.
type InviteReply struct {
	From   string
	Reason string
	Data   string
	Status int

	// TimedOut is set when the bridge expired the invite unanswered.
	TimedOut bool
}

// CreateNode creates a node whose events go to cbs.
func (c *Client) CreateNode(opts native.Options, cbs Callbacks) (*Node, error) {
	var n *Node
	err := c.creating(event.ChannelNode, func() error {
		info, err := c.b.CreateNode(opts)
		if err != nil {
			return err
		}
		n = &Node{c: c, cbs: cbs, info: info, nospam: info.Nospam, presence: info.Presence}
		c.nodes.put(info.Handle, 0, n)
		return nil
	})
	return n, err
}

func (n *Node) Handle() handle.Handle { return n.info.Handle }
func (n *Node) NodeID() string        { return n.info.NodeID }
func (n *Node) UserID() string        { return n.info.UserID }
func (n *Node) Address() string       { return n.info.Address }

// Nospam returns the cached anti-spam value.
func (n *Node) Nospam() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nospam
}

// SetNospam changes the anti-spam value; the cache follows on success.
func (n *Node) SetNospam(v uint32) error {
	if err := n.c.b.SetNospam(n.info.Handle, v); err != nil {
		return err
	}
	n.mu.Lock()
	n.nospam = v
	n.mu.Unlock()
	return nil
}

// Presence returns the cached presence.
func (n *Node) Presence() native.Presence {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.presence
}

// SetPresence changes the presence; the cache follows on success.
func (n *Node) SetPresence(p native.Presence) error {
	if err := n.c.b.SetPresence(n.info.Handle, p); err != nil {
		return err
	}
	n.mu.Lock()
	n.presence = p
	n.mu.Unlock()
	return nil
}

func (n *Node) Start(iterateInterval time.Duration) error {
	return n.c.b.Start(n.info.Handle, iterateInterval)
}

func (n *Node) IsReady() (bool, error) {
	return n.c.b.IsReady(n.info.Handle)
}

func (n *Node) SelfInfo() (native.UserInfo, error) {
	return n.c.b.SelfInfo(n.info.Handle)
}

func (n *Node) SetSelfInfo(field, value string) (native.UserInfo, error) {
	return n.c.b.SetSelfInfo(n.info.Handle, field, value)
}

func (n *Node) Friends() ([]native.FriendInfo, error) {
	return n.c.b.Friends(n.info.Handle)
}

func (n *Node) Friend(userID string) (native.FriendInfo, error) {
	return n.c.b.Friend(n.info.Handle, userID)
}

func (n *Node) LabelFriend(userID, label string) error {
	return n.c.b.LabelFriend(n.info.Handle, userID, label)
}

func (n *Node) IsFriend(userID string) (bool, error) {
	return n.c.b.IsFriend(n.info.Handle, userID)
}

func (n *Node) AddFriend(address, hello string) error {
	return n.c.b.AddFriend(n.info.Handle, address, hello)
}

func (n *Node) AcceptFriend(userID string) error {
	return n.c.b.AcceptFriend(n.info.Handle, userID)
}

func (n *Node) RemoveFriend(userID string) error {
	return n.c.b.RemoveFriend(n.info.Handle, userID)
}

func (n *Node) SendFriendMessage(to string, message []byte) (bool, error) {
	return n.c.b.SendFriendMessage(n.info.Handle, to, message)
}

// InviteFriend sends an invite; cb receives the single reply.
func (n *Node) InviteFriend(to, data string, cb func(InviteReply)) error {
	c := n.c
	id, err := c.invites.Register(n.info.Handle, c.oneShot(event.ChannelFriendInvite, func(ev event.Event) {
		if cb == nil {
			return
		}
		s, _ := ev.Payload["status"].(int)
		cb(InviteReply{
			From:     ev.StringField("from"),
			Status:   s,
			Reason:   ev.StringField("reason"),
			Data:     ev.StringField("data"),
			TimedOut: ev.Name == bridge.EventTimeout,
		})
	}))
	if err != nil {
		return err
	}
	if err := c.b.InviteFriend(n.info.Handle, to, data, id); err != nil {
		c.invites.Cancel(id)
		return err
	}
	return nil
}

func (n *Node) ReplyFriendInvite(to string, status int, reason, data string) error {
	return n.c.b.ReplyFriendInvite(n.info.Handle, to, status, reason, data)
}

// Groups lists the node's groups in handle order.
func (n *Node) Groups() []*Group {
	c := n.c
	var out []*Group
	for _, h := range c.groups.owned(n.info.Handle) {
		if g, ok := c.groups.get(h); ok {
			out = append(out, g)
		}
	}
	return out
}

// Destroy forgets the node and everything created from it, then destroys
// it on the bridge. Events still in flight for any of them are dropped.
func (n *Node) Destroy() error {
	c := n.c
	h := n.info.Handle

	c.invites.CancelOwner(h)
	for _, s := range c.sessions.owned(h) {
		c.forgetSession(s)
	}
	for _, g := range c.groups.owned(h) {
		c.groups.remove(g)
	}
	for _, f := range c.transfers.owned(h) {
		c.transfers.remove(f)
	}
	c.nodes.remove(h)
	return c.b.DestroyNode(h)
}

func (c *Client) forgetSession(h handle.Handle) {
	c.requests.CancelOwner(h)
	for _, st := range c.streams.owned(h) {
		c.streams.remove(st)
	}
	c.sessions.remove(h)
}
