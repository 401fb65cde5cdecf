// Package native declares the peer-to-peer SDK consumed by the bridge.
//
// Objects are created through the SDK and a Node; every object takes a
// handler whose methods the SDK invokes from its own goroutine. Handlers
// must not block. Methods returning bool are accept/reject decisions the
// SDK needs synchronously.
package native

import "time"

// SDK is the library entry point.
type SDK interface {
	Version() string
	IsValidAddress(address string) bool
	IsValidID(id string) bool
	IDFromAddress(address string) (string, error)
	GenerateFileID() string
	NewNode(opts Options, h NodeHandler) (Node, error)
}

// Node is one connection to the network under one identity.
type Node interface {
	Start(iterateInterval time.Duration) error
	Kill()

	NodeID() string
	UserID() string
	Address() string
	Nospam() (uint32, error)
	SetNospam(nospam uint32) error
	Presence() (Presence, error)
	SetPresence(p Presence) error
	SelfInfo() (UserInfo, error)
	SetSelfInfo(info UserInfo) error
	IsReady() bool

	Friends() ([]FriendInfo, error)
	Friend(userID string) (FriendInfo, error)
	LabelFriend(userID, label string) error
	IsFriend(userID string) (bool, error)
	AddFriend(address, hello string) error
	AcceptFriend(userID string) error
	RemoveFriend(userID string) error
	SendFriendMessage(to string, message []byte) (offline bool, err error)
	InviteFriend(to, data string, h InviteResponseHandler) error
	ReplyFriendInvite(to string, status int, reason, data string) error

	NewSession(to string, h SessionHandler) (Session, error)
	NewGroup(h GroupHandler) (Group, error)
	JoinGroup(friendID string, cookie []byte, h GroupHandler) (Group, error)
	LeaveGroup(g Group) error
	NewFileTransfer(to string, info *FileInfo, h FileTransferHandler) (FileTransfer, error)
}

// Session is a call-like conversation with one peer.
type Session interface {
	Peer() string
	Close()
	Request(h RequestCompleteHandler) error
	ReplyRequest(status int, reason string) error
	Start(sdp string) error
	AddStream(t StreamType, opts StreamOptions, h StreamHandler) (Stream, error)
	RemoveStream(s Stream) error
	AddService(service string, proto PortForwardingProtocol, host, port string) error
	RemoveService(service string)
}

// Stream is a data channel inside a session.
type Stream interface {
	ID() int
	Type() StreamType
	State() StreamState
	TransportInfo() (TransportInfo, error)
	Write(data []byte) (int, error)
	OpenChannel(cookie string) (int, error)
	CloseChannel(channel int) error
	WriteChannel(channel int, data []byte) (int, error)
	PendChannel(channel int) error
	ResumeChannel(channel int) error
	OpenPortForwarding(service string, proto PortForwardingProtocol, host, port string) (int, error)
	ClosePortForwarding(id int) error
}

// Group is a multi-party conversation.
type Group interface {
	Invite(friendID string) error
	SendMessage(message []byte) error
	Title() (string, error)
	SetTitle(title string) error
	Peers() ([]PeerInfo, error)
	Peer(peerID string) (PeerInfo, error)
}

// FileTransfer is a file exchange with one peer.
type FileTransfer interface {
	FileID(filename string) (string, error)
	FileName(fileID string) (string, error)
	Connect() error
	AcceptConnect() error
	AddFile(info FileInfo) error
	PullData(fileID string, offset uint64) error
	WriteData(fileID string, data []byte) (int, error)
	SendFinish(fileID string) error
	Cancel(fileID string, status int, reason string) error
	Pend(fileID string) error
	Resume(fileID string) error
	Close()
}

// NodeHandler receives node-level callbacks.
type NodeHandler interface {
	OnIdle(n Node)
	OnConnection(n Node, status ConnectionStatus)
	OnReady(n Node)
	OnSelfInfoChanged(n Node, info UserInfo)
	OnFriends(n Node, friends []FriendInfo)
	OnFriendConnection(n Node, friendID string, status ConnectionStatus)
	OnFriendInfoChanged(n Node, friendID string, info FriendInfo)
	OnFriendPresence(n Node, friendID string, presence Presence)
	OnFriendRequest(n Node, userID string, info UserInfo, hello string)
	OnFriendAdded(n Node, info FriendInfo)
	OnFriendRemoved(n Node, friendID string)
	OnFriendMessage(n Node, from string, message []byte, offline bool)
	OnFriendInviteRequest(n Node, from, data string)
	OnSessionRequest(n Node, from, sdp string)
	OnGroupInvite(n Node, from string, cookie []byte)
	OnConnectRequest(n Node, from string, info FileInfo)
}

// SessionHandler receives session negotiation progress.
type SessionHandler interface {
	OnStateChanged(s Session, state SessionState)
}

// StreamHandler receives stream and multiplexed channel callbacks.
type StreamHandler interface {
	OnStateChanged(s Stream, state StreamState)
	OnStreamData(s Stream, data []byte)
	OnChannelOpen(s Stream, channel int, cookie string) bool
	OnChannelOpened(s Stream, channel int)
	OnChannelClose(s Stream, channel int, reason CloseReason)
	OnChannelData(s Stream, channel int, data []byte) bool
	OnChannelPending(s Stream, channel int)
	OnChannelResume(s Stream, channel int)
}

// GroupHandler receives group callbacks.
type GroupHandler interface {
	OnGroupConnected(g Group)
	OnGroupMessage(g Group, from string, message []byte)
	OnGroupTitle(g Group, from, title string)
	OnPeerName(g Group, peerID, name string)
	OnPeerListChanged(g Group)
}

// FileTransferHandler receives file transfer callbacks.
type FileTransferHandler interface {
	OnStateChanged(ft FileTransfer, state FileTransferState)
	OnFileRequest(ft FileTransfer, fileID, filename string, size uint64)
	OnPullRequest(ft FileTransfer, fileID string, offset uint64)
	OnData(ft FileTransfer, fileID string, data []byte) bool
	OnDataFinished(ft FileTransfer, fileID string)
	OnPending(ft FileTransfer, fileID string)
	OnResume(ft FileTransfer, fileID string)
	OnCancel(ft FileTransfer, fileID string, status int, reason string)
}

// InviteResponseHandler receives the single reply to a friend invite.
type InviteResponseHandler interface {
	OnReceived(from string, status int, reason, data string)
}

// RequestCompleteHandler receives the single reply to a session request.
type RequestCompleteHandler interface {
	OnCompletion(s Session, status int, reason, sdp string)
}
