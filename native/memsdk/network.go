// Package memsdk is a process-local implementation of the native SDK.
//
// Nodes created from one SDK share a Network and reach each other by user
// ID. Every handler call runs on the network's single worker goroutine, in
// the order the triggering operations were issued, the way a real SDK raises
// callbacks from its I/O thread.
package memsdk

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/wippyai/carrier-bridge/native"
)

// Version is reported by SDK.Version.
const Version = "memsdk-1.0.0"

const (
	idLen      = 16
	addressLen = idLen + 4 + 2
)

var (
	ErrNotFriend     = stderrors.New("not a friend")
	ErrAlreadyFriend = stderrors.New("already a friend")
	ErrUserNotFound  = stderrors.New("user not found")
	ErrInvalidArg    = stderrors.New("invalid argument")
	ErrWrongState    = stderrors.New("wrong state")
	ErrNoPending     = stderrors.New("no pending request")
	ErrKilled        = stderrors.New("node killed")
	ErrOffline       = stderrors.New("peer offline")
)

// Network connects the nodes of one SDK and runs their callbacks.
type Network struct {
	nodes    map[string]*Node
	groups   map[string]*groupCore
	failures map[string]error
	tasks    []func()
	cond     *sync.Cond
	done     chan struct{}
	mu       sync.Mutex
	qmu      sync.Mutex
	closed   bool
}

// NewNetwork creates an empty network and starts its worker.
func NewNetwork() *Network {
	n := &Network{
		nodes:    make(map[string]*Node),
		groups:   make(map[string]*groupCore),
		failures: make(map[string]error),
		done:     make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.qmu)
	go n.run()
	return n
}

func (n *Network) run() {
	defer close(n.done)
	for {
		n.qmu.Lock()
		for len(n.tasks) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.tasks) == 0 {
			n.qmu.Unlock()
			return
		}
		task := n.tasks[0]
		n.tasks[0] = nil
		n.tasks = n.tasks[1:]
		n.qmu.Unlock()

		n.invoke(task)
	}
}

func (n *Network) invoke(task func()) {
	defer func() { _ = recover() }()
	task()
}

// Post queues fn to run on the worker goroutine.
func (n *Network) Post(fn func()) {
	n.qmu.Lock()
	defer n.qmu.Unlock()
	if n.closed {
		return
	}
	n.tasks = append(n.tasks, fn)
	n.cond.Signal()
}

// Sync blocks until every callback queued before the call has run, or the
// timeout elapses. It returns false on timeout.
func (n *Network) Sync(timeout time.Duration) bool {
	done := make(chan struct{})
	n.Post(func() { close(done) })
	select {
	case <-done:
		return true
	case <-n.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close drains queued callbacks and stops the worker.
func (n *Network) Close() {
	n.qmu.Lock()
	if n.closed {
		n.qmu.Unlock()
		return
	}
	n.closed = true
	n.cond.Broadcast()
	n.qmu.Unlock()
	<-n.done
}

// FailNext makes the next call of the named operation return err.
// Operation names are the Go method names, e.g. "NewSession" or "AddStream".
func (n *Network) FailNext(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = err
}

// failure must be called with n.mu held.
func (n *Network) failure(op string) error {
	err, ok := n.failures[op]
	if !ok {
		return nil
	}
	delete(n.failures, op)
	return err
}

// Node returns the live node with the given user ID.
func (n *Network) Node(userID string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[userID]
	return node, ok
}

// SDK implements native.SDK on top of a Network.
type SDK struct {
	net *Network
}

// New creates an SDK backed by a fresh network.
func New() *SDK {
	return &SDK{net: NewNetwork()}
}

// NewWithNetwork creates an SDK sharing an existing network.
func NewWithNetwork(n *Network) *SDK {
	return &SDK{net: n}
}

// Network returns the network this SDK's nodes join.
func (s *SDK) Network() *Network {
	return s.net
}

func (s *SDK) Version() string { return Version }

func (s *SDK) IsValidAddress(address string) bool {
	_, _, ok := decodeAddress(address)
	return ok
}

func (s *SDK) IsValidID(id string) bool {
	b, err := base58.Decode(id)
	return err == nil && len(b) == idLen
}

func (s *SDK) IDFromAddress(address string) (string, error) {
	id, _, ok := decodeAddress(address)
	if !ok {
		return "", fmt.Errorf("%w: address %q", ErrInvalidArg, address)
	}
	return id, nil
}

func (s *SDK) GenerateFileID() string {
	u := uuid.New()
	return base58.Encode(u[:])
}

// NewNode creates a node that joins the network once started.
func (s *SDK) NewNode(opts native.Options, h native.NodeHandler) (native.Node, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArg)
	}
	if strings.TrimSpace(opts.PersistentLocation) == "" {
		return nil, fmt.Errorf("%w: empty persistent location", ErrInvalidArg)
	}

	s.net.mu.Lock()
	defer s.net.mu.Unlock()

	if err := s.net.failure("NewNode"); err != nil {
		return nil, err
	}

	u := uuid.New()
	id := base58.Encode(u[:])
	node := &Node{
		net:       s.net,
		handler:   h,
		opts:      opts,
		idBytes:   u[:],
		userID:    id,
		nospam:    u.ID(),
		friends:   make(map[string]*native.FriendInfo),
		requests:  make(map[string]bool),
		invites:   make(map[string][]native.InviteResponseHandler),
		sessReqs:  make(map[string][]*Session),
		transfers: make(map[string][]*FileTransfer),
	}
	node.self = native.UserInfo{UserID: id}
	s.net.nodes[id] = node
	return node, nil
}

func encodeAddress(id []byte, nospam uint32) string {
	b := make([]byte, 0, addressLen)
	b = append(b, id...)
	b = append(b, byte(nospam>>24), byte(nospam>>16), byte(nospam>>8), byte(nospam))
	var c0, c1 byte
	for i, v := range b {
		if i%2 == 0 {
			c0 ^= v
		} else {
			c1 ^= v
		}
	}
	b = append(b, c0, c1)
	return base58.Encode(b)
}

func decodeAddress(address string) (id string, nospam uint32, ok bool) {
	b, err := base58.Decode(address)
	if err != nil || len(b) != addressLen {
		return "", 0, false
	}
	var c0, c1 byte
	for i, v := range b[:addressLen-2] {
		if i%2 == 0 {
			c0 ^= v
		} else {
			c1 ^= v
		}
	}
	if c0 != b[addressLen-2] || c1 != b[addressLen-1] {
		return "", 0, false
	}
	nospam = uint32(b[16])<<24 | uint32(b[17])<<16 | uint32(b[18])<<8 | uint32(b[19])
	return base58.Encode(b[:idLen]), nospam, true
}
