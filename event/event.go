package event

import (
	"maps"

	"github.com/wippyai/carrier-bridge/handle"
)

// Channel is one persistent listener channel. Numbering follows the listener
// types of the plugin bridge; session requests get their own one-shot channel.
type Channel uint8

const (
	ChannelNode Channel = iota + 1
	ChannelSession
	ChannelStream
	ChannelFriendInvite
	ChannelGroup
	ChannelFileTransfer
	ChannelSessionRequest

	channelCount = int(ChannelSessionRequest)
)

var channelNames = [...]string{
	ChannelNode:           "node",
	ChannelSession:        "session",
	ChannelStream:         "stream",
	ChannelFriendInvite:   "friend_invite",
	ChannelGroup:          "group",
	ChannelFileTransfer:   "file_transfer",
	ChannelSessionRequest: "session_request",
}

func (c Channel) String() string {
	if c.Valid() {
		return channelNames[c]
	}
	return "unknown"
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c >= ChannelNode && c <= ChannelSessionRequest
}

// OneShot reports whether events on c carry correlation IDs instead of
// object handles.
func (c Channel) OneShot() bool {
	return c == ChannelFriendInvite || c == ChannelSessionRequest
}

// IdentityField is the payload key carrying the routing identifier.
func (c Channel) IdentityField() string {
	switch c {
	case ChannelGroup:
		return "groupId"
	case ChannelFileTransfer:
		return "fileTransferId"
	default:
		return "id"
	}
}

// Channels lists every channel in numeric order.
func Channels() []Channel {
	out := make([]Channel, 0, channelCount)
	for c := ChannelNode; c <= ChannelSessionRequest; c++ {
		out = append(out, c)
	}
	return out
}

// ChannelFor returns the object channel of a handle category.
func ChannelFor(c handle.Category) Channel {
	switch c {
	case handle.CategoryNode:
		return ChannelNode
	case handle.CategorySession:
		return ChannelSession
	case handle.CategoryStream:
		return ChannelStream
	case handle.CategoryGroup:
		return ChannelGroup
	case handle.CategoryFileTransfer:
		return ChannelFileTransfer
	}
	return 0
}

// Event is one tagged native callback. Handle is the owning object handle,
// or the correlation ID on one-shot channels. Sub carries a nested
// identifier such as a stream channel id or a file id.
type Event struct {
	Payload map[string]any
	Name    string
	Sub     string
	Handle  handle.Handle
	Seq     uint64
	Channel Channel
}

// Fields returns the flat payload shape delivered across the boundary:
// the event name, the channel identity field, and the event payload.
func (e Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Payload)+2)
	maps.Copy(out, e.Payload)
	out["name"] = e.Name
	out[e.Channel.IdentityField()] = uint64(e.Handle)
	return out
}

// Get returns a payload field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// StringField returns a payload field as a string, or "" if absent or not a string.
func (e Event) StringField(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}
