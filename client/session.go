package client

import (
	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Session is the caller-side proxy of a bridge session.
type Session struct {
	c    *Client
	cbs  Callbacks
	node handle.Handle
	h    handle.Handle
	peer string
}

func (s *Session) callbacks() Callbacks { return s.cbs }

// RequestReply is the single completion of Session.Request.
type RequestReply struct {
	Reason string
	SDP    string
	Status int

	// TimedOut is set when the bridge expired the request unanswered.
	TimedOut bool
}

// NewSession creates a session with a friend of the node.
func (n *Node) NewSession(to string, cbs Callbacks) (*Session, error) {
	c := n.c
	var s *Session
	err := c.creating(event.ChannelSession, func() error {
		info, err := c.b.NewSession(n.info.Handle, to)
		if err != nil {
			return err
		}
		s = &Session{c: c, cbs: cbs, node: n.info.Handle, h: info.Handle, peer: info.Peer}
		c.sessions.put(info.Handle, n.info.Handle, s)
		return nil
	})
	return s, err
}

func (s *Session) Handle() handle.Handle { return s.h }
func (s *Session) Peer() string          { return s.peer }

// Request sends the session offer; cb receives the single completion.
func (s *Session) Request(cb func(RequestReply)) error {
	c := s.c
	id, err := c.requests.Register(s.h, c.oneShot(event.ChannelSessionRequest, func(ev event.Event) {
		if cb == nil {
			return
		}
		status, _ := ev.Payload["status"].(int)
		cb(RequestReply{
			Status:   status,
			Reason:   ev.StringField("reason"),
			SDP:      ev.StringField("sdp"),
			TimedOut: ev.Name == bridge.EventTimeout,
		})
	}))
	if err != nil {
		return err
	}
	if err := c.b.SessionRequest(s.h, id); err != nil {
		c.requests.Cancel(id)
		return err
	}
	return nil
}

func (s *Session) ReplyRequest(status int, reason string) error {
	return s.c.b.SessionReplyRequest(s.h, status, reason)
}

func (s *Session) Start(sdp string) error {
	return s.c.b.SessionStart(s.h, sdp)
}

func (s *Session) AddService(service string, proto native.PortForwardingProtocol, host, port string) error {
	return s.c.b.AddService(s.h, service, proto, host, port)
}

func (s *Session) RemoveService(service string) error {
	return s.c.b.RemoveService(s.h, service)
}

// AddStream adds a stream whose events go to cbs.
func (s *Session) AddStream(t native.StreamType, opts native.StreamOptions, cbs Callbacks) (*Stream, error) {
	c := s.c
	var st *Stream
	err := c.creating(event.ChannelStream, func() error {
		info, err := c.b.AddStream(s.h, t, opts)
		if err != nil {
			return err
		}
		st = &Stream{c: c, cbs: cbs, session: s.h, info: info}
		c.streams.put(info.Handle, s.h, st)
		return nil
	})
	return st, err
}

// RemoveStream forgets the stream and removes it on the bridge. The mirror
// entry is restored if the bridge still holds the stream.
func (s *Session) RemoveStream(st *Stream) error {
	c := s.c
	h := st.info.Handle
	if st.session != s.h {
		return errors.New(errors.PhaseOperation, errors.KindHandleNotFound).
			Action("removeStream").
			Handle(handle.CategoryStream.String(), uint64(h)).
			Detail("stream %d does not belong to session %d", h, s.h).
			Build()
	}
	prev, ok := c.streams.remove(h)
	if err := c.b.RemoveStream(s.h, h); err != nil {
		if ok && !errors.IsKind(err, errors.KindHandleNotFound) {
			c.streams.put(h, prev.session, prev)
		}
		return err
	}
	return nil
}

// Streams lists the session's streams in handle order.
func (s *Session) Streams() []*Stream {
	var out []*Stream
	for _, h := range s.c.streams.owned(s.h) {
		if st, ok := s.c.streams.get(h); ok {
			out = append(out, st)
		}
	}
	return out
}

// Close forgets the session and its streams, then closes it on the bridge.
func (s *Session) Close() error {
	s.c.forgetSession(s.h)
	return s.c.b.CloseSession(s.h)
}
