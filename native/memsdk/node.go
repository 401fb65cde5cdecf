package memsdk

import (
	"fmt"
	"slices"
	"time"

	"github.com/wippyai/carrier-bridge/native"
)

// Node implements native.Node.
type Node struct {
	net       *Network
	handler   native.NodeHandler
	friends   map[string]*native.FriendInfo
	requests  map[string]bool
	invites   map[string][]native.InviteResponseHandler
	sessReqs  map[string][]*Session
	transfers map[string][]*FileTransfer
	groups    []*Group
	self      native.UserInfo
	opts      native.Options
	userID    string
	idBytes   []byte
	interval  time.Duration
	nospam    uint32
	presence  native.Presence
	started   bool
	killed    bool
}

var _ native.Node = (*Node)(nil)

// online must be called with net.mu held.
func (n *Node) online() bool {
	return n.started && !n.killed
}

// peer returns the live friend node. Must be called with net.mu held.
func (n *Node) peer(userID string) (*Node, error) {
	if n.killed {
		return nil, ErrKilled
	}
	if _, ok := n.friends[userID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFriend, userID)
	}
	p, ok := n.net.nodes[userID]
	if !ok || !p.online() {
		return nil, fmt.Errorf("%w: %s", ErrOffline, userID)
	}
	return p, nil
}

func (n *Node) friendInfo(of *Node) native.FriendInfo {
	info := native.FriendInfo{
		UserInfo: of.self,
		Presence: of.presence,
	}
	if of.online() {
		info.Connection = native.Connected
	} else {
		info.Connection = native.Disconnected
	}
	if cur, ok := n.friends[of.userID]; ok {
		info.Label = cur.Label
	}
	return info
}

// Start joins the network and reports connection, friends and readiness.
func (n *Node) Start(iterateInterval time.Duration) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("Start"); err != nil {
		return err
	}
	if n.killed {
		return ErrKilled
	}
	if n.started {
		return fmt.Errorf("%w: already started", ErrWrongState)
	}
	n.started = true
	n.interval = iterateInterval

	friends := n.friendList()
	h := n.handler
	n.net.Post(func() {
		h.OnConnection(n, native.Connected)
		h.OnFriends(n, friends)
		h.OnReady(n)
		h.OnIdle(n)
	})
	n.broadcastConnection(native.Connected)
	return nil
}

// broadcastConnection must be called with net.mu held.
func (n *Node) broadcastConnection(status native.ConnectionStatus) {
	for id := range n.friends {
		id := id
		p, ok := n.net.nodes[id]
		if !ok || !p.online() {
			continue
		}
		ph := p.handler
		p.net.Post(func() { ph.OnFriendConnection(p, n.userID, status) })
		mh := n.handler
		if status == native.Connected {
			n.net.Post(func() { mh.OnFriendConnection(n, id, native.Connected) })
		}
	}
}

// Kill leaves the network. Friends observe a disconnection.
func (n *Node) Kill() {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if n.killed {
		return
	}
	if n.started {
		n.broadcastConnection(native.Disconnected)
	}
	n.killed = true
	delete(n.net.nodes, n.userID)
	for _, g := range n.groups {
		g.core.remove(n)
	}
	n.groups = nil
}

func (n *Node) NodeID() string { return n.userID }
func (n *Node) UserID() string { return n.userID }

func (n *Node) Address() string {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return encodeAddress(n.idBytes, n.nospam)
}

func (n *Node) Nospam() (uint32, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return n.nospam, nil
}

func (n *Node) SetNospam(nospam uint32) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	if err := n.net.failure("SetNospam"); err != nil {
		return err
	}
	n.nospam = nospam
	return nil
}

func (n *Node) Presence() (native.Presence, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return n.presence, nil
}

func (n *Node) SetPresence(p native.Presence) error {
	if !p.Valid() {
		return fmt.Errorf("%w: presence %d", ErrInvalidArg, p)
	}

	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	if err := n.net.failure("SetPresence"); err != nil {
		return err
	}
	n.presence = p
	n.eachOnlineFriend(func(f *Node) {
		fh := f.handler
		n.net.Post(func() { fh.OnFriendPresence(f, n.userID, p) })
	})
	return nil
}

func (n *Node) SelfInfo() (native.UserInfo, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return n.self, nil
}

func (n *Node) SetSelfInfo(info native.UserInfo) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("SetSelfInfo"); err != nil {
		return err
	}
	info.UserID = n.userID
	n.self = info

	h := n.handler
	n.net.Post(func() { h.OnSelfInfoChanged(n, info) })
	n.eachOnlineFriend(func(f *Node) {
		fi := f.friendInfo(n)
		f.friends[n.userID] = &fi
		fh := f.handler
		n.net.Post(func() { fh.OnFriendInfoChanged(f, n.userID, fi) })
	})
	return nil
}

// eachOnlineFriend must be called with net.mu held.
func (n *Node) eachOnlineFriend(fn func(*Node)) {
	for id := range n.friends {
		if f, ok := n.net.nodes[id]; ok && f.online() {
			fn(f)
		}
	}
}

func (n *Node) IsReady() bool {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return n.online()
}

// friendList must be called with net.mu held.
func (n *Node) friendList() []native.FriendInfo {
	ids := make([]string, 0, len(n.friends))
	for id := range n.friends {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]native.FriendInfo, 0, len(ids))
	for _, id := range ids {
		if f, ok := n.net.nodes[id]; ok {
			out = append(out, n.friendInfo(f))
		} else {
			out = append(out, *n.friends[id])
		}
	}
	return out
}

func (n *Node) Friends() ([]native.FriendInfo, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return n.friendList(), nil
}

func (n *Node) Friend(userID string) (native.FriendInfo, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	cur, ok := n.friends[userID]
	if !ok {
		return native.FriendInfo{}, fmt.Errorf("%w: %s", ErrNotFriend, userID)
	}
	if f, ok := n.net.nodes[userID]; ok {
		return n.friendInfo(f), nil
	}
	return *cur, nil
}

func (n *Node) LabelFriend(userID, label string) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	cur, ok := n.friends[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFriend, userID)
	}
	cur.Label = label
	return nil
}

func (n *Node) IsFriend(userID string) (bool, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	_, ok := n.friends[userID]
	return ok, nil
}

// AddFriend sends a friend request to the owner of address.
func (n *Node) AddFriend(address, hello string) error {
	id, nospam, ok := decodeAddress(address)
	if !ok {
		return fmt.Errorf("%w: address %q", ErrInvalidArg, address)
	}

	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("AddFriend"); err != nil {
		return err
	}
	if n.killed {
		return ErrKilled
	}
	if id == n.userID {
		return fmt.Errorf("%w: cannot befriend self", ErrInvalidArg)
	}
	if _, ok := n.friends[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyFriend, id)
	}
	target, ok := n.net.nodes[id]
	if !ok || !target.online() {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if target.nospam != nospam {
		return fmt.Errorf("%w: stale nospam", ErrInvalidArg)
	}

	target.requests[n.userID] = true
	th := target.handler
	info := n.self
	n.net.Post(func() { th.OnFriendRequest(target, n.userID, info, hello) })
	return nil
}

// AcceptFriend accepts a pending friend request from userID.
func (n *Node) AcceptFriend(userID string) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if !n.requests[userID] {
		return fmt.Errorf("%w: friend request from %s", ErrNoPending, userID)
	}
	delete(n.requests, userID)

	other, ok := n.net.nodes[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	mine := n.friendInfo(other)
	theirs := other.friendInfo(n)
	n.friends[userID] = &mine
	other.friends[n.userID] = &theirs

	mh, oh := n.handler, other.handler
	connected := other.online() && n.online()
	n.net.Post(func() {
		mh.OnFriendAdded(n, mine)
		oh.OnFriendAdded(other, theirs)
		if connected {
			mh.OnFriendConnection(n, userID, native.Connected)
			oh.OnFriendConnection(other, n.userID, native.Connected)
		}
	})
	return nil
}

func (n *Node) RemoveFriend(userID string) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if _, ok := n.friends[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFriend, userID)
	}
	delete(n.friends, userID)

	mh := n.handler
	n.net.Post(func() { mh.OnFriendRemoved(n, userID) })
	if other, ok := n.net.nodes[userID]; ok {
		delete(other.friends, n.userID)
		oh := other.handler
		n.net.Post(func() { oh.OnFriendRemoved(other, n.userID) })
	}
	return nil
}

// SendFriendMessage delivers message to an online friend. Offline friends
// report offline without delivery.
func (n *Node) SendFriendMessage(to string, message []byte) (bool, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("SendFriendMessage"); err != nil {
		return false, err
	}
	if _, ok := n.friends[to]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFriend, to)
	}
	p, ok := n.net.nodes[to]
	if !ok || !p.online() {
		return true, nil
	}

	msg := slices.Clone(message)
	ph := p.handler
	n.net.Post(func() { ph.OnFriendMessage(p, n.userID, msg, false) })
	return false, nil
}

// InviteFriend sends an invite whose single reply reaches h.
func (n *Node) InviteFriend(to, data string, h native.InviteResponseHandler) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("InviteFriend"); err != nil {
		return err
	}
	p, err := n.peer(to)
	if err != nil {
		return err
	}

	p.invites[n.userID] = append(p.invites[n.userID], h)
	ph := p.handler
	n.net.Post(func() { ph.OnFriendInviteRequest(p, n.userID, data) })
	return nil
}

// ReplyFriendInvite answers the oldest pending invite from to.
func (n *Node) ReplyFriendInvite(to string, status int, reason, data string) error {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	queue := n.invites[to]
	if len(queue) == 0 {
		return fmt.Errorf("%w: invite from %s", ErrNoPending, to)
	}
	h := queue[0]
	if len(queue) == 1 {
		delete(n.invites, to)
	} else {
		n.invites[to] = queue[1:]
	}

	if status == 0 {
		reason = ""
	} else {
		data = ""
	}
	from := n.userID
	n.net.Post(func() { h.OnReceived(from, status, reason, data) })
	return nil
}

// PendingInvites returns the reply handlers of invites received from a
// friend that have not been answered yet.
func (n *Node) PendingInvites(from string) []native.InviteResponseHandler {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return slices.Clone(n.invites[from])
}

// Handler returns the node's callback handler.
func (n *Node) Handler() native.NodeHandler {
	return n.handler
}

// NewSession creates an idle session with a friend.
func (n *Node) NewSession(to string, h native.SessionHandler) (native.Session, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("NewSession"); err != nil {
		return nil, err
	}
	if n.killed {
		return nil, ErrKilled
	}
	if _, ok := n.friends[to]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFriend, to)
	}
	return &Session{
		node:     n,
		peer:     to,
		handler:  h,
		streams:  make(map[int]*Stream),
		services: make(map[string]service),
	}, nil
}

// NewGroup creates a group with this node as its only member.
func (n *Node) NewGroup(h native.GroupHandler) (native.Group, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("NewGroup"); err != nil {
		return nil, err
	}
	if n.killed {
		return nil, ErrKilled
	}

	core := newGroupCore()
	n.net.groups[core.id] = core
	g := core.add(n, h)
	n.groups = append(n.groups, g)
	n.net.Post(func() { h.OnGroupConnected(g) })
	return g, nil
}

// JoinGroup joins the group identified by cookie through a member friend.
func (n *Node) JoinGroup(friendID string, cookie []byte, h native.GroupHandler) (native.Group, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("JoinGroup"); err != nil {
		return nil, err
	}
	if _, ok := n.friends[friendID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFriend, friendID)
	}
	core, ok := n.net.groups[string(cookie)]
	if !ok || !core.has(friendID) {
		return nil, fmt.Errorf("%w: group cookie", ErrInvalidArg)
	}
	if core.has(n.userID) {
		return nil, fmt.Errorf("%w: already joined", ErrWrongState)
	}

	g := core.add(n, h)
	n.groups = append(n.groups, g)
	members := core.views()
	n.net.Post(func() {
		h.OnGroupConnected(g)
		for _, m := range members {
			m.handler.OnPeerListChanged(m)
		}
	})
	return g, nil
}

// LeaveGroup removes this node from g.
func (n *Node) LeaveGroup(g native.Group) error {
	mg, ok := g.(*Group)
	if !ok || mg.node != n {
		return fmt.Errorf("%w: foreign group", ErrInvalidArg)
	}

	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	idx := slices.Index(n.groups, mg)
	if idx < 0 {
		return fmt.Errorf("%w: not a member", ErrWrongState)
	}
	n.groups = slices.Delete(n.groups, idx, idx+1)
	mg.core.remove(n)
	if len(mg.core.members) == 0 {
		delete(n.net.groups, mg.core.id)
		return nil
	}

	members := mg.core.views()
	n.net.Post(func() {
		for _, m := range members {
			m.handler.OnPeerListChanged(m)
		}
	})
	return nil
}

// NewFileTransfer creates a transfer with a friend. info may be nil on the
// receiving side.
func (n *Node) NewFileTransfer(to string, info *native.FileInfo, h native.FileTransferHandler) (native.FileTransfer, error) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()

	if err := n.net.failure("NewFileTransfer"); err != nil {
		return nil, err
	}
	if _, ok := n.friends[to]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFriend, to)
	}

	ft := &FileTransfer{
		node:    n,
		peer:    to,
		handler: h,
		state:   native.FileTransferInitialized,
	}
	if info != nil {
		if info.FileID == "" || info.FileName == "" {
			return nil, fmt.Errorf("%w: file info", ErrInvalidArg)
		}
		ft.files = append(ft.files, *info)
	}
	n.net.Post(func() { h.OnStateChanged(ft, native.FileTransferInitialized) })
	return ft, nil
}
