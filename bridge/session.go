package bridge

import (
	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

type sessionRecord struct {
	session native.Session
}

// Drop closes the native session once its handle is released.
func (r *sessionRecord) Drop() {
	r.session.Close()
}

// SessionInfo is returned when a session is created.
type SessionInfo struct {
	Peer   string
	Handle handle.Handle
}

// NewSession creates a session with a friend of the node.
func (b *Bridge) NewSession(node handle.Handle, to string) (SessionInfo, error) {
	rec, err := b.node(node)
	if err != nil {
		return SessionInfo{}, err
	}

	h, err := b.sessions.Reserve(node)
	if err != nil {
		return SessionInfo{}, err
	}

	s, err := rec.node.NewSession(to, &sessionDelegate{b: b, h: h})
	if err != nil {
		b.sessions.Release(h)
		return SessionInfo{}, nativeErr("newSession", err)
	}

	// The node may have been destroyed while the native call ran.
	if err := b.sessions.Bind(h, &sessionRecord{session: s}); err != nil {
		s.Close()
		return SessionInfo{}, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryNode.String(), uint64(node))
	}
	return SessionInfo{Handle: h, Peer: s.Peer()}, nil
}

// CloseSession closes the session, releasing its streams and cancelling its
// pending requests.
func (b *Bridge) CloseSession(h handle.Handle) error {
	if _, err := b.session(h); err != nil {
		return err
	}
	b.teardownSession(h)
	return nil
}

func (b *Bridge) teardownSession(h handle.Handle) {
	cancelled := b.requests.CancelOwner(h)
	for _, st := range b.streams.Owned(h) {
		b.streams.Release(st)
	}
	b.sessions.Release(h)

	if cancelled > 0 {
		Logger().Debug("session closed with pending requests",
			zap.Uint64("session", uint64(h)),
			zap.Int("cancelled", cancelled))
	}
}

// SessionPeer returns the remote user of the session.
func (b *Bridge) SessionPeer(h handle.Handle) (string, error) {
	rec, err := b.session(h)
	if err != nil {
		return "", err
	}
	return rec.session.Peer(), nil
}

// SessionRequest sends the session offer. The single completion is
// published on the session request channel tagged with id.
func (b *Bridge) SessionRequest(h handle.Handle, id correlation.ID) error {
	rec, err := b.session(h)
	if err != nil {
		return err
	}

	err = b.requests.Track(id, h, func(payload map[string]any) {
		b.publish(event.ChannelSessionRequest, handle.Handle(id), "onCompletion", payload)
	})
	if err != nil {
		return err
	}

	if err := rec.session.Request(&requestDelegate{b: b, id: id}); err != nil {
		b.requests.Cancel(id)
		return nativeErr("sessionRequest", err)
	}
	return nil
}

// SessionReplyRequest answers a peer's session request. Status zero accepts;
// any other status refuses with reason.
func (b *Bridge) SessionReplyRequest(h handle.Handle, status int, reason string) error {
	rec, err := b.session(h)
	if err != nil {
		return err
	}
	if status == 0 {
		reason = ""
	}
	return nativeErr("sessionReplyRequest", rec.session.ReplyRequest(status, reason))
}

// SessionStart starts the session with the peer's SDP.
func (b *Bridge) SessionStart(h handle.Handle, sdp string) error {
	rec, err := b.session(h)
	if err != nil {
		return err
	}
	return nativeErr("sessionStart", rec.session.Start(sdp))
}

// AddService registers a local service the peer may forward ports to.
func (b *Bridge) AddService(h handle.Handle, service string, proto native.PortForwardingProtocol, host, port string) error {
	if !proto.Valid() {
		return errors.InvalidEnum("addService", 2, int(proto), "PortForwardingProtocol")
	}
	rec, err := b.session(h)
	if err != nil {
		return err
	}
	return nativeErr("addService", rec.session.AddService(service, proto, host, port))
}

// RemoveService unregisters a local service.
func (b *Bridge) RemoveService(h handle.Handle, service string) error {
	rec, err := b.session(h)
	if err != nil {
		return err
	}
	rec.session.RemoveService(service)
	return nil
}

type sessionDelegate struct {
	b *Bridge
	h handle.Handle
}

func (d *sessionDelegate) OnStateChanged(_ native.Session, state native.SessionState) {
	d.b.publish(event.ChannelSession, d.h, "onStateChanged", map[string]any{"state": int(state)})
}

type requestDelegate struct {
	b  *Bridge
	id correlation.ID
}

func (d *requestDelegate) OnCompletion(_ native.Session, status int, reason, sdp string) {
	payload := map[string]any{"status": status, "reason": reason, "sdp": sdp}
	fireOnce(d.b.requests, d.id, payload, "session request")
}
