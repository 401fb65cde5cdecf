package bridge

import (
	"encoding/base64"
	"strconv"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

type streamRecord struct {
	stream  native.Stream
	session handle.Handle
}

// StreamInfo is returned when a stream is added. ID is the native stream
// number within its session, distinct from Handle.
type StreamInfo struct {
	Handle  handle.Handle
	ID      int
	Type    native.StreamType
	Options native.StreamOptions
}

// AddStream adds a stream to the session.
func (b *Bridge) AddStream(session handle.Handle, t native.StreamType, opts native.StreamOptions) (StreamInfo, error) {
	if !t.Valid() {
		return StreamInfo{}, errors.InvalidEnum("addStream", 1, int(t), "StreamType")
	}
	if !opts.Valid() {
		return StreamInfo{}, errors.InvalidEnum("addStream", 2, int(opts), "StreamOptions")
	}
	rec, err := b.session(session)
	if err != nil {
		return StreamInfo{}, err
	}

	h, err := b.streams.Reserve(session)
	if err != nil {
		return StreamInfo{}, err
	}

	st, err := rec.session.AddStream(t, opts, &streamDelegate{b: b, h: h})
	if err != nil {
		b.streams.Release(h)
		return StreamInfo{}, nativeErr("addStream", err)
	}

	if err := b.streams.Bind(h, &streamRecord{stream: st, session: session}); err != nil {
		_ = rec.session.RemoveStream(st)
		return StreamInfo{}, errors.HandleNotFound(errors.PhaseOperation, handle.CategorySession.String(), uint64(session))
	}
	return StreamInfo{Handle: h, ID: st.ID(), Type: t, Options: opts}, nil
}

// RemoveStream removes a stream from the session that owns it.
func (b *Bridge) RemoveStream(session, stream handle.Handle) error {
	srec, err := b.session(session)
	if err != nil {
		return err
	}
	st, err := b.stream(stream)
	if err != nil {
		return err
	}
	if st.session != session {
		return errors.New(errors.PhaseOperation, errors.KindHandleNotFound).
			Action("removeStream").
			Handle(handle.CategoryStream.String(), uint64(stream)).
			Detail("stream %d does not belong to session %d", stream, session).
			Build()
	}

	if err := srec.session.RemoveStream(st.stream); err != nil {
		return nativeErr("removeStream", err)
	}
	b.streams.Release(stream)
	return nil
}

// TransportInfo describes how the stream reaches its peer.
func (b *Bridge) TransportInfo(h handle.Handle) (native.TransportInfo, error) {
	rec, err := b.stream(h)
	if err != nil {
		return native.TransportInfo{}, err
	}
	info, err := rec.stream.TransportInfo()
	return info, nativeErr("getTransportInfo", err)
}

// StreamWrite writes data to the stream and returns the bytes written.
func (b *Bridge) StreamWrite(h handle.Handle, data []byte) (int, error) {
	rec, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	n, err := rec.stream.Write(data)
	return n, nativeErr("streamWrite", err)
}

// OpenChannel opens a multiplexed channel on the stream.
func (b *Bridge) OpenChannel(h handle.Handle, cookie string) (int, error) {
	rec, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	ch, err := rec.stream.OpenChannel(cookie)
	return ch, nativeErr("openChannel", err)
}

// CloseChannel closes a multiplexed channel.
func (b *Bridge) CloseChannel(h handle.Handle, channel int) error {
	rec, err := b.stream(h)
	if err != nil {
		return err
	}
	return nativeErr("closeChannel", rec.stream.CloseChannel(channel))
}

// WriteChannel writes data to a multiplexed channel.
func (b *Bridge) WriteChannel(h handle.Handle, channel int, data []byte) (int, error) {
	rec, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	n, err := rec.stream.WriteChannel(channel, data)
	return n, nativeErr("writeChannel", err)
}

// PendChannel asks the peer to stop sending on a channel.
func (b *Bridge) PendChannel(h handle.Handle, channel int) error {
	rec, err := b.stream(h)
	if err != nil {
		return err
	}
	return nativeErr("pendChannel", rec.stream.PendChannel(channel))
}

// ResumeChannel lets the peer send on a pended channel again.
func (b *Bridge) ResumeChannel(h handle.Handle, channel int) error {
	rec, err := b.stream(h)
	if err != nil {
		return err
	}
	return nativeErr("resumeChannel", rec.stream.ResumeChannel(channel))
}

// OpenPortForwarding forwards a local port to a service the peer registered.
func (b *Bridge) OpenPortForwarding(h handle.Handle, service string, proto native.PortForwardingProtocol, host, port string) (int, error) {
	if !proto.Valid() {
		return 0, errors.InvalidEnum("openPortForwarding", 2, int(proto), "PortForwardingProtocol")
	}
	rec, err := b.stream(h)
	if err != nil {
		return 0, err
	}
	id, err := rec.stream.OpenPortForwarding(service, proto, host, port)
	return id, nativeErr("openPortForwarding", err)
}

// ClosePortForwarding stops a port forwarding.
func (b *Bridge) ClosePortForwarding(h handle.Handle, id int) error {
	rec, err := b.stream(h)
	if err != nil {
		return err
	}
	return nativeErr("closePortForwarding", rec.stream.ClosePortForwarding(id))
}

type streamDelegate struct {
	b *Bridge
	h handle.Handle
}

func (d *streamDelegate) emit(name string, payload map[string]any) {
	d.b.publish(event.ChannelStream, d.h, name, payload)
}

func (d *streamDelegate) emitChannel(name string, channel int, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["channel"] = channel
	d.b.publishSub(event.ChannelStream, d.h, name, strconv.Itoa(channel), payload)
}

func (d *streamDelegate) OnStateChanged(_ native.Stream, state native.StreamState) {
	d.emit("onStateChanged", map[string]any{"state": int(state)})
}

func (d *streamDelegate) OnStreamData(_ native.Stream, data []byte) {
	d.emit("onStreamData", map[string]any{"data": base64.StdEncoding.EncodeToString(data)})
}

func (d *streamDelegate) OnChannelOpen(_ native.Stream, channel int, cookie string) bool {
	d.emitChannel("onChannelOpen", channel, map[string]any{"cookie": cookie})
	return d.b.policy.AcceptChannel(d.h, channel, cookie)
}

func (d *streamDelegate) OnChannelOpened(_ native.Stream, channel int) {
	d.emitChannel("onChannelOpened", channel, nil)
}

func (d *streamDelegate) OnChannelClose(_ native.Stream, channel int, reason native.CloseReason) {
	d.emitChannel("onChannelClose", channel, map[string]any{"reason": int(reason)})
}

func (d *streamDelegate) OnChannelData(_ native.Stream, channel int, data []byte) bool {
	d.emitChannel("onChannelData", channel, map[string]any{"data": base64.StdEncoding.EncodeToString(data)})
	return d.b.policy.AcceptChannelData(d.h, channel, len(data))
}

func (d *streamDelegate) OnChannelPending(_ native.Stream, channel int) {
	d.emitChannel("onChannelPending", channel, nil)
}

func (d *streamDelegate) OnChannelResume(_ native.Stream, channel int) {
	d.emitChannel("onChannelResume", channel, nil)
}
