package client

import (
	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Stream is the caller-side proxy of a bridge stream. Channel events carry
// the channel number in Event.Sub.
type Stream struct {
	c       *Client
	cbs     Callbacks
	session handle.Handle
	info    bridge.StreamInfo
}

func (st *Stream) callbacks() Callbacks { return st.cbs }

func (st *Stream) Handle() handle.Handle         { return st.info.Handle }
func (st *Stream) ID() int                       { return st.info.ID }
func (st *Stream) Type() native.StreamType       { return st.info.Type }
func (st *Stream) Options() native.StreamOptions { return st.info.Options }
func (st *Stream) Session() handle.Handle        { return st.session }

func (st *Stream) TransportInfo() (native.TransportInfo, error) {
	return st.c.b.TransportInfo(st.info.Handle)
}

func (st *Stream) Write(data []byte) (int, error) {
	return st.c.b.StreamWrite(st.info.Handle, data)
}

func (st *Stream) OpenChannel(cookie string) (int, error) {
	return st.c.b.OpenChannel(st.info.Handle, cookie)
}

func (st *Stream) CloseChannel(channel int) error {
	return st.c.b.CloseChannel(st.info.Handle, channel)
}

func (st *Stream) WriteChannel(channel int, data []byte) (int, error) {
	return st.c.b.WriteChannel(st.info.Handle, channel, data)
}

func (st *Stream) PendChannel(channel int) error {
	return st.c.b.PendChannel(st.info.Handle, channel)
}

func (st *Stream) ResumeChannel(channel int) error {
	return st.c.b.ResumeChannel(st.info.Handle, channel)
}

func (st *Stream) OpenPortForwarding(service string, proto native.PortForwardingProtocol, host, port string) (int, error) {
	return st.c.b.OpenPortForwarding(st.info.Handle, service, proto, host, port)
}

func (st *Stream) ClosePortForwarding(id int) error {
	return st.c.b.ClosePortForwarding(st.info.Handle, id)
}
