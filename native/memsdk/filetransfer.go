package memsdk

import (
	"fmt"
	"slices"

	"github.com/wippyai/carrier-bridge/native"
)

// FileTransfer implements native.FileTransfer. The sender's transfer is
// linked to the receiver's once the receiver accepts the connection.
type FileTransfer struct {
	node    *Node
	handler native.FileTransferHandler
	remote  *FileTransfer
	peer    string
	files   []native.FileInfo
	state   native.FileTransferState
}

var _ native.FileTransfer = (*FileTransfer)(nil)

// Handler returns the transfer's callback handler.
func (ft *FileTransfer) Handler() native.FileTransferHandler {
	return ft.handler
}

// setState must be called with net.mu held.
func (ft *FileTransfer) setState(state native.FileTransferState) {
	ft.state = state
	h := ft.handler
	ft.node.net.Post(func() { h.OnStateChanged(ft, state) })
}

// file must be called with net.mu held.
func (ft *FileTransfer) file(fileID string) (native.FileInfo, bool) {
	i := slices.IndexFunc(ft.files, func(f native.FileInfo) bool { return f.FileID == fileID })
	if i < 0 {
		return native.FileInfo{}, false
	}
	return ft.files[i], true
}

func (ft *FileTransfer) FileID(filename string) (string, error) {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	for _, f := range ft.files {
		if f.FileName == filename {
			return f.FileID, nil
		}
	}
	return "", fmt.Errorf("%w: file %q", ErrInvalidArg, filename)
}

func (ft *FileTransfer) FileName(fileID string) (string, error) {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	f, ok := ft.file(fileID)
	if !ok {
		return "", fmt.Errorf("%w: file id %q", ErrInvalidArg, fileID)
	}
	return f.FileName, nil
}

// Connect offers the first file to the peer.
func (ft *FileTransfer) Connect() error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("Connect"); err != nil {
		return err
	}
	if ft.state != native.FileTransferInitialized {
		return fmt.Errorf("%w: transfer not initialized", ErrWrongState)
	}
	if len(ft.files) == 0 {
		return fmt.Errorf("%w: no file to offer", ErrWrongState)
	}
	p, err := ft.node.peer(ft.peer)
	if err != nil {
		return err
	}

	p.transfers[ft.node.userID] = append(p.transfers[ft.node.userID], ft)
	info := ft.files[0]
	ph := p.handler
	from := ft.node.userID
	net.Post(func() { ph.OnConnectRequest(p, from, info) })
	ft.setState(native.FileTransferConnecting)
	return nil
}

// AcceptConnect links this transfer with the oldest pending offer from the
// peer and announces the offered files.
func (ft *FileTransfer) AcceptConnect() error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	queue := ft.node.transfers[ft.peer]
	if len(queue) == 0 {
		return fmt.Errorf("%w: connect request from %s", ErrNoPending, ft.peer)
	}
	sender := queue[0]
	if len(queue) == 1 {
		delete(ft.node.transfers, ft.peer)
	} else {
		ft.node.transfers[ft.peer] = queue[1:]
	}

	ft.remote, sender.remote = sender, ft
	sender.setState(native.FileTransferConnected)
	ft.setState(native.FileTransferConnected)

	h := ft.handler
	for _, f := range sender.files {
		f := f
		if _, ok := ft.file(f.FileID); !ok {
			ft.files = append(ft.files, f)
		}
		net.Post(func() { h.OnFileRequest(ft, f.FileID, f.FileName, f.Size) })
	}
	return nil
}

func (ft *FileTransfer) AddFile(info native.FileInfo) error {
	if info.FileID == "" || info.FileName == "" {
		return fmt.Errorf("%w: file info", ErrInvalidArg)
	}

	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if _, ok := ft.file(info.FileID); ok {
		return fmt.Errorf("%w: duplicate file id", ErrInvalidArg)
	}
	ft.files = append(ft.files, info)
	return nil
}

// linked must be called with net.mu held.
func (ft *FileTransfer) linked(fileID string) (*FileTransfer, error) {
	if ft.state != native.FileTransferConnected || ft.remote == nil {
		return nil, fmt.Errorf("%w: transfer not connected", ErrWrongState)
	}
	if _, ok := ft.file(fileID); !ok {
		return nil, fmt.Errorf("%w: file id %q", ErrInvalidArg, fileID)
	}
	return ft.remote, nil
}

func (ft *FileTransfer) PullData(fileID string, offset uint64) error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r, err := ft.linked(fileID)
	if err != nil {
		return err
	}
	h := r.handler
	net.Post(func() { h.OnPullRequest(r, fileID, offset) })
	return nil
}

func (ft *FileTransfer) WriteData(fileID string, data []byte) (int, error) {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if err := net.failure("WriteData"); err != nil {
		return 0, err
	}
	r, err := ft.linked(fileID)
	if err != nil {
		return 0, err
	}
	buf := slices.Clone(data)
	h := r.handler
	net.Post(func() { h.OnData(r, fileID, buf) })
	return len(data), nil
}

func (ft *FileTransfer) SendFinish(fileID string) error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r, err := ft.linked(fileID)
	if err != nil {
		return err
	}
	h := r.handler
	net.Post(func() { h.OnDataFinished(r, fileID) })
	return nil
}

func (ft *FileTransfer) Cancel(fileID string, status int, reason string) error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r, err := ft.linked(fileID)
	if err != nil {
		return err
	}
	h := r.handler
	net.Post(func() { h.OnCancel(r, fileID, status, reason) })
	return nil
}

func (ft *FileTransfer) Pend(fileID string) error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r, err := ft.linked(fileID)
	if err != nil {
		return err
	}
	h := r.handler
	net.Post(func() { h.OnPending(r, fileID) })
	return nil
}

func (ft *FileTransfer) Resume(fileID string) error {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r, err := ft.linked(fileID)
	if err != nil {
		return err
	}
	h := r.handler
	net.Post(func() { h.OnResume(r, fileID) })
	return nil
}

// Close ends the transfer on both sides.
func (ft *FileTransfer) Close() {
	net := ft.node.net
	net.mu.Lock()
	defer net.mu.Unlock()

	if ft.state == native.FileTransferClosed {
		return
	}
	ft.setState(native.FileTransferClosed)
	if r := ft.remote; r != nil {
		r.remote = nil
		ft.remote = nil
		if r.state != native.FileTransferClosed {
			r.setState(native.FileTransferClosed)
		}
	}
	if q := ft.node.transfers[ft.peer]; len(q) > 0 {
		ft.node.transfers[ft.peer] = slices.DeleteFunc(q, func(x *FileTransfer) bool { return x == ft })
	}
}
