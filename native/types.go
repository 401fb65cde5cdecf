package native

import "fmt"

// ConnectionStatus is a node's or friend's connection to the network.
type ConnectionStatus int

const (
	Connected ConnectionStatus = iota
	Disconnected
)

func (s ConnectionStatus) Valid() bool { return s == Connected || s == Disconnected }

// Presence is the user-visible availability of a node.
type Presence int

const (
	PresenceNone Presence = iota
	PresenceAway
	PresenceBusy
)

func (p Presence) Valid() bool { return p >= PresenceNone && p <= PresenceBusy }

// StreamType follows the SDP media types.
type StreamType int

const (
	StreamAudio StreamType = iota
	StreamVideo
	StreamText
	StreamApplication
	StreamMessage
)

func (t StreamType) Valid() bool { return t >= StreamAudio && t <= StreamMessage }

// StreamState is the lifecycle phase of a stream.
type StreamState int

const (
	StreamRaw StreamState = iota
	StreamInitialized
	StreamTransportReady
	StreamConnecting
	StreamConnected
	StreamDeactivated
	StreamClosed
	StreamError
)

var streamStateNames = [...]string{
	"raw", "initialized", "transport_ready", "connecting",
	"connected", "deactivated", "closed", "error",
}

func (s StreamState) String() string {
	if s >= StreamRaw && s <= StreamError {
		return streamStateNames[s]
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// StreamOptions is a bit set of stream modes.
type StreamOptions int

const (
	OptionCompress       StreamOptions = 1 << 0
	OptionPlain          StreamOptions = 1 << 1
	OptionReliable       StreamOptions = 1 << 2
	OptionMultiplexing   StreamOptions = 1 << 3
	OptionPortForwarding StreamOptions = 1 << 4

	optionsMask = OptionCompress | OptionPlain | OptionReliable | OptionMultiplexing | OptionPortForwarding
)

// Valid reports whether only known bits are set and port forwarding is
// combined with multiplexing.
func (o StreamOptions) Valid() bool {
	if o&^optionsMask != 0 {
		return false
	}
	if o&OptionPortForwarding != 0 && o&OptionMultiplexing == 0 {
		return false
	}
	return true
}

func (o StreamOptions) Has(flag StreamOptions) bool { return o&flag == flag }

// PortForwardingProtocol is the transport of a forwarded service.
type PortForwardingProtocol int

const ProtocolTCP PortForwardingProtocol = 1

func (p PortForwardingProtocol) Valid() bool { return p == ProtocolTCP }

// CloseReason explains why a multiplexed channel closed.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseTimeout
	CloseError
)

func (r CloseReason) Valid() bool { return r >= CloseNormal && r <= CloseError }

// FileTransferState is the lifecycle phase of a file transfer.
type FileTransferState int

const (
	FileTransferInitialized FileTransferState = iota + 1
	FileTransferConnecting
	FileTransferConnected
	FileTransferClosed
	FileTransferFailed
)

// SessionState is the negotiation phase of a session.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionRequested
	SessionReplied
	SessionStarted
	SessionClosed
)

// CandidateType is the ICE candidate kind of a transport address.
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelayed
)

// NetworkTopology describes how two session peers reach each other.
type NetworkTopology int

const (
	TopologyLAN NetworkTopology = iota
	TopologyP2P
	TopologyRelayed
)

// UserInfo is the profile a node publishes about itself.
type UserInfo struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Gender      string `json:"gender"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Region      string `json:"region"`
	HasAvatar   bool   `json:"hasAvatar"`
}

// FriendInfo is a friend's profile plus local state.
type FriendInfo struct {
	UserInfo   UserInfo         `json:"userInfo"`
	Label      string           `json:"label"`
	Presence   Presence         `json:"presence"`
	Connection ConnectionStatus `json:"connection"`
}

// FileInfo describes one file offered in a transfer.
type FileInfo struct {
	FileName string `json:"filename"`
	FileID   string `json:"fileId"`
	Size     uint64 `json:"size"`
}

// PeerInfo is a group member.
type PeerInfo struct {
	Name   string `json:"peerName"`
	UserID string `json:"peerUserId"`
}

// AddressInfo is one end of a stream transport.
type AddressInfo struct {
	Address        string        `json:"address"`
	RelatedAddress string        `json:"relatedAddress,omitempty"`
	Port           int           `json:"port"`
	RelatedPort    int           `json:"relatedPort,omitempty"`
	Type           CandidateType `json:"type"`
}

// TransportInfo describes how a stream reaches its peer.
type TransportInfo struct {
	Local    AddressInfo     `json:"localAddr"`
	Remote   AddressInfo     `json:"remoteAddr"`
	Topology NetworkTopology `json:"topology"`
}

// BootstrapNode is a DHT entry point.
type BootstrapNode struct {
	IPv4      string `json:"ipv4" yaml:"ipv4" validate:"required_without=IPv6"`
	IPv6      string `json:"ipv6" yaml:"ipv6" validate:"omitempty,ipv6"`
	Port      int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	PublicKey string `json:"publicKey" yaml:"publicKey" validate:"required"`
}

// Options configures a node at creation.
type Options struct {
	PersistentLocation string          `json:"persistentLocation" yaml:"persistentLocation" validate:"required"`
	Bootstraps         []BootstrapNode `json:"bootstraps" yaml:"bootstraps" validate:"dive"`
	ExpressNodes       []BootstrapNode `json:"expressNodes" yaml:"expressNodes" validate:"dive"`
	UDPEnabled         bool            `json:"udpEnabled" yaml:"udpEnabled"`
}
