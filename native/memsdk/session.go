package memsdk

import (
	"fmt"
	"slices"

	"github.com/wippyai/carrier-bridge/native"
)

type service struct {
	host  string
	port  string
	proto native.PortForwardingProtocol
}

// Session implements native.Session. Two linked sessions, one per peer,
// form a negotiated conversation.
type Session struct {
	node     *Node
	handler  native.SessionHandler
	remote   *Session
	pending  native.RequestCompleteHandler
	streams  map[int]*Stream
	services map[string]service
	peer     string
	sdp      string
	nextID   int
	state    native.SessionState
	closed   bool
}

var _ native.Session = (*Session)(nil)

func (s *Session) Peer() string { return s.peer }

// Handler returns the session's callback handler.
func (s *Session) Handler() native.SessionHandler {
	return s.handler
}

// setState must be called with net.mu held.
func (s *Session) setState(state native.SessionState) {
	s.state = state
	if s.handler == nil {
		return
	}
	h := s.handler
	s.node.net.Post(func() { h.OnStateChanged(s, state) })
}

// Close closes every stream and unlinks the remote session.
func (s *Session) Close() {
	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	ids := make([]int, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.streams[id].close()
	}
	s.streams = map[int]*Stream{}

	if r := s.remote; r != nil {
		r.remote = nil
		s.remote = nil
	}
	if q := s.node.sessReqs[s.peer]; len(q) > 0 {
		s.node.sessReqs[s.peer] = slices.DeleteFunc(q, func(x *Session) bool { return x == s })
	}
	s.setState(native.SessionClosed)
}

// Request offers this session to the peer. The peer's reply reaches h once.
func (s *Session) Request(h native.RequestCompleteHandler) error {
	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("Request"); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrWrongState)
	}
	p, err := s.node.peer(s.peer)
	if err != nil {
		return err
	}

	s.pending = h
	s.sdp = fmt.Sprintf("v=0\r\no=%s\r\ns=carrier\r\n", s.node.userID)
	p.sessReqs[s.node.userID] = append(p.sessReqs[s.node.userID], s)

	ph, sdp := p.handler, s.sdp
	net.Post(func() { ph.OnSessionRequest(p, s.node.userID, sdp) })
	s.setState(native.SessionRequested)
	return nil
}

// ReplyRequest answers the oldest session request from the peer and links
// the two sessions when status is 0.
func (s *Session) ReplyRequest(status int, reason string) error {
	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: session closed", ErrWrongState)
	}
	queue := s.node.sessReqs[s.peer]
	if len(queue) == 0 {
		return fmt.Errorf("%w: session request from %s", ErrNoPending, s.peer)
	}
	req := queue[0]
	if len(queue) == 1 {
		delete(s.node.sessReqs, s.peer)
	} else {
		s.node.sessReqs[s.peer] = queue[1:]
	}

	sdp := ""
	if status == 0 {
		reason = ""
		s.sdp = fmt.Sprintf("v=0\r\no=%s\r\ns=carrier\r\n", s.node.userID)
		sdp = s.sdp
		s.remote, req.remote = req, s
	}
	h := req.pending
	req.pending = nil
	if h != nil {
		net.Post(func() { h.OnCompletion(req, status, reason, sdp) })
	}
	s.setState(native.SessionReplied)
	return nil
}

// Start connects every stream added so far with its counterpart.
func (s *Session) Start(sdp string) error {
	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("SessionStart"); err != nil {
		return err
	}
	if s.closed || s.remote == nil {
		return fmt.Errorf("%w: session not negotiated", ErrWrongState)
	}
	if sdp == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidArg)
	}

	ids := make([]int, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := s.streams[id]
		if st.state >= native.StreamConnected {
			continue
		}
		st.setState(native.StreamConnecting)
		if _, ok := s.remote.streams[id]; ok {
			st.setState(native.StreamConnected)
		}
	}
	for _, id := range ids {
		if rs, ok := s.remote.streams[id]; ok && rs.state < native.StreamConnected {
			rs.setState(native.StreamConnecting)
			rs.setState(native.StreamConnected)
		}
	}
	s.setState(native.SessionStarted)
	return nil
}

// AddStream creates a stream. Stream IDs are assigned in order per session,
// so both peers adding streams in the same order pair them up.
func (s *Session) AddStream(t native.StreamType, opts native.StreamOptions, h native.StreamHandler) (native.Stream, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: stream type %d", ErrInvalidArg, t)
	}
	if !opts.Valid() {
		return nil, fmt.Errorf("%w: stream options %d", ErrInvalidArg, opts)
	}

	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("AddStream"); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrWrongState)
	}

	s.nextID++
	st := &Stream{
		session:  s,
		handler:  h,
		id:       s.nextID,
		typ:      t,
		opts:     opts,
		channels: make(map[int]bool),
		forwards: make(map[int]string),
	}
	s.streams[st.id] = st
	st.setState(native.StreamInitialized)
	st.setState(native.StreamTransportReady)
	return st, nil
}

// RemoveStream closes s and detaches it from the session.
func (s *Session) RemoveStream(stream native.Stream) error {
	st, ok := stream.(*Stream)
	if !ok || st.session != s {
		return fmt.Errorf("%w: foreign stream", ErrInvalidArg)
	}

	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if _, ok := s.streams[st.id]; !ok {
		return fmt.Errorf("%w: stream %d not in session", ErrWrongState, st.id)
	}
	delete(s.streams, st.id)
	st.close()
	return nil
}

func (s *Session) AddService(name string, proto native.PortForwardingProtocol, host, port string) error {
	if !proto.Valid() {
		return fmt.Errorf("%w: protocol %d", ErrInvalidArg, proto)
	}
	if name == "" || host == "" || port == "" {
		return fmt.Errorf("%w: service address", ErrInvalidArg)
	}

	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()
	s.services[name] = service{host: host, port: port, proto: proto}
	return nil
}

func (s *Session) RemoveService(name string) {
	net := s.node.net
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(s.services, name)
}

// Stream implements native.Stream.
type Stream struct {
	session  *Session
	handler  native.StreamHandler
	channels map[int]bool
	forwards map[int]string
	id       int
	nextCh   int
	nextPF   int
	typ      native.StreamType
	opts     native.StreamOptions
	state    native.StreamState
}

var _ native.Stream = (*Stream)(nil)

func (st *Stream) ID() int                { return st.id }
func (st *Stream) Type() native.StreamType { return st.typ }

func (st *Stream) State() native.StreamState {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()
	return st.state
}

// Handler returns the stream's callback handler.
func (st *Stream) Handler() native.StreamHandler {
	return st.handler
}

// setState must be called with net.mu held.
func (st *Stream) setState(state native.StreamState) {
	st.state = state
	h := st.handler
	st.session.node.net.Post(func() { h.OnStateChanged(st, state) })
}

// close must be called with net.mu held.
func (st *Stream) close() {
	if st.state == native.StreamClosed {
		return
	}
	st.setState(native.StreamClosed)
	if rs := st.counterpart(); rs != nil && rs.state != native.StreamClosed {
		rs.setState(native.StreamDeactivated)
	}
}

// counterpart must be called with net.mu held.
func (st *Stream) counterpart() *Stream {
	r := st.session.remote
	if r == nil {
		return nil
	}
	return r.streams[st.id]
}

// connected must be called with net.mu held.
func (st *Stream) connected() (*Stream, error) {
	if st.state != native.StreamConnected {
		return nil, fmt.Errorf("%w: stream %s", ErrWrongState, st.state)
	}
	rs := st.counterpart()
	if rs == nil {
		return nil, fmt.Errorf("%w: no remote stream", ErrWrongState)
	}
	return rs, nil
}

func (st *Stream) TransportInfo() (native.TransportInfo, error) {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if _, err := st.connected(); err != nil {
		return native.TransportInfo{}, err
	}
	return native.TransportInfo{
		Topology: native.TopologyLAN,
		Local:    native.AddressInfo{Type: native.CandidateHost, Address: "127.0.0.1", Port: 30000 + st.id},
		Remote:   native.AddressInfo{Type: native.CandidateHost, Address: "127.0.0.1", Port: 31000 + st.id},
	}, nil
}

// Write sends data to the counterpart stream.
func (st *Stream) Write(data []byte) (int, error) {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("Write"); err != nil {
		return 0, err
	}
	if st.opts.Has(native.OptionMultiplexing) {
		return 0, fmt.Errorf("%w: multiplexed stream", ErrWrongState)
	}
	rs, err := st.connected()
	if err != nil {
		return 0, err
	}

	buf := slices.Clone(data)
	h := rs.handler
	net.Post(func() { h.OnStreamData(rs, buf) })
	return len(data), nil
}

// muxed must be called with net.mu held.
func (st *Stream) muxed() (*Stream, error) {
	if !st.opts.Has(native.OptionMultiplexing) {
		return nil, fmt.Errorf("%w: stream not multiplexed", ErrWrongState)
	}
	return st.connected()
}

// OpenChannel asks the counterpart to accept a new channel. Both sides
// observe OnChannelOpened on acceptance; the opener observes a close with
// CloseError on rejection.
func (st *Stream) OpenChannel(cookie string) (int, error) {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	rs, err := st.muxed()
	if err != nil {
		return 0, err
	}

	st.nextCh++
	ch := st.nextCh
	lh, rh := st.handler, rs.handler
	net.Post(func() {
		if !rh.OnChannelOpen(rs, ch, cookie) {
			lh.OnChannelClose(st, ch, native.CloseError)
			return
		}
		net.mu.Lock()
		st.channels[ch] = true
		rs.channels[ch] = true
		net.mu.Unlock()
		rh.OnChannelOpened(rs, ch)
		lh.OnChannelOpened(st, ch)
	})
	return ch, nil
}

// channel must be called with net.mu held.
func (st *Stream) channel(ch int) (*Stream, error) {
	rs, err := st.muxed()
	if err != nil {
		return nil, err
	}
	if !st.channels[ch] {
		return nil, fmt.Errorf("%w: channel %d", ErrInvalidArg, ch)
	}
	return rs, nil
}

func (st *Stream) CloseChannel(ch int) error {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	rs, err := st.channel(ch)
	if err != nil {
		return err
	}
	delete(st.channels, ch)
	delete(rs.channels, ch)
	h := rs.handler
	net.Post(func() { h.OnChannelClose(rs, ch, native.CloseNormal) })
	return nil
}

func (st *Stream) WriteChannel(ch int, data []byte) (int, error) {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	rs, err := st.channel(ch)
	if err != nil {
		return 0, err
	}
	buf := slices.Clone(data)
	h := rs.handler
	net.Post(func() { h.OnChannelData(rs, ch, buf) })
	return len(data), nil
}

func (st *Stream) PendChannel(ch int) error {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	rs, err := st.channel(ch)
	if err != nil {
		return err
	}
	h := rs.handler
	net.Post(func() { h.OnChannelPending(rs, ch) })
	return nil
}

func (st *Stream) ResumeChannel(ch int) error {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	rs, err := st.channel(ch)
	if err != nil {
		return err
	}
	h := rs.handler
	net.Post(func() { h.OnChannelResume(rs, ch) })
	return nil
}

// OpenPortForwarding forwards a service registered on the peer's session.
func (st *Stream) OpenPortForwarding(name string, proto native.PortForwardingProtocol, host, port string) (int, error) {
	if !proto.Valid() {
		return 0, fmt.Errorf("%w: protocol %d", ErrInvalidArg, proto)
	}

	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if !st.opts.Has(native.OptionPortForwarding) {
		return 0, fmt.Errorf("%w: port forwarding not enabled", ErrWrongState)
	}
	if _, err := st.connected(); err != nil {
		return 0, err
	}
	if _, ok := st.session.remote.services[name]; !ok {
		return 0, fmt.Errorf("%w: service %q", ErrInvalidArg, name)
	}

	st.nextPF++
	st.forwards[st.nextPF] = name
	return st.nextPF, nil
}

func (st *Stream) ClosePortForwarding(id int) error {
	net := st.session.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if _, ok := st.forwards[id]; !ok {
		return fmt.Errorf("%w: port forwarding %d", ErrInvalidArg, id)
	}
	delete(st.forwards, id)
	return nil
}
