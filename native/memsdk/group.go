package memsdk

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/wippyai/carrier-bridge/native"
)

// groupCore is the state shared by every member of one group.
// All access happens with net.mu held.
type groupCore struct {
	members []*Group
	id      string
	title   string
}

func newGroupCore() *groupCore {
	u := uuid.New()
	return &groupCore{id: string(u[:]), title: "Untitled"}
}

func (c *groupCore) add(n *Node, h native.GroupHandler) *Group {
	g := &Group{core: c, node: n, handler: h}
	c.members = append(c.members, g)
	return g
}

func (c *groupCore) remove(n *Node) {
	c.members = slices.DeleteFunc(c.members, func(g *Group) bool { return g.node == n })
}

func (c *groupCore) has(userID string) bool {
	return slices.ContainsFunc(c.members, func(g *Group) bool { return g.node.userID == userID })
}

func (c *groupCore) views() []*Group {
	return slices.Clone(c.members)
}

// Group implements native.Group as one member's view of a group.
type Group struct {
	core    *groupCore
	node    *Node
	handler native.GroupHandler
}

var _ native.Group = (*Group)(nil)

// Handler returns the member's callback handler.
func (g *Group) Handler() native.GroupHandler {
	return g.handler
}

// Cookie returns the invitation cookie for this group.
func (g *Group) Cookie() []byte {
	return []byte(g.core.id)
}

// Invite sends the group cookie to a friend.
func (g *Group) Invite(friendID string) error {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("Invite"); err != nil {
		return err
	}
	p, err := g.node.peer(friendID)
	if err != nil {
		return err
	}
	cookie := []byte(g.core.id)
	ph := p.handler
	from := g.node.userID
	net.Post(func() { ph.OnGroupInvite(p, from, cookie) })
	return nil
}

// SendMessage delivers message to every other member.
func (g *Group) SendMessage(message []byte) error {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("SendMessage"); err != nil {
		return err
	}
	if !g.core.has(g.node.userID) {
		return fmt.Errorf("%w: left group", ErrWrongState)
	}
	msg := slices.Clone(message)
	from := g.node.userID
	for _, m := range g.core.views() {
		m := m
		if m == g {
			continue
		}
		net.Post(func() { m.handler.OnGroupMessage(m, from, msg) })
	}
	return nil
}

func (g *Group) Title() (string, error) {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()
	return g.core.title, nil
}

// SetTitle renames the group for every member.
func (g *Group) SetTitle(title string) error {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if !g.core.has(g.node.userID) {
		return fmt.Errorf("%w: left group", ErrWrongState)
	}
	g.core.title = title
	from := g.node.userID
	for _, m := range g.core.views() {
		m := m
		if m == g {
			continue
		}
		net.Post(func() { m.handler.OnGroupTitle(m, from, title) })
	}
	return nil
}

func (g *Group) Peers() ([]native.PeerInfo, error) {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	out := make([]native.PeerInfo, 0, len(g.core.members))
	for _, m := range g.core.members {
		out = append(out, native.PeerInfo{UserID: m.node.userID, Name: m.node.self.Name})
	}
	return out, nil
}

func (g *Group) Peer(peerID string) (native.PeerInfo, error) {
	net := g.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	for _, m := range g.core.members {
		if m.node.userID == peerID {
			return native.PeerInfo{UserID: peerID, Name: m.node.self.Name}, nil
		}
	}
	return native.PeerInfo{}, fmt.Errorf("%w: peer %s", ErrUserNotFound, peerID)
}
