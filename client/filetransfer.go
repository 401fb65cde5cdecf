package client

import (
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// FileTransfer is the caller-side proxy of a bridge file transfer. Per-file
// events carry the file id in Event.Sub.
type FileTransfer struct {
	c    *Client
	cbs  Callbacks
	node handle.Handle
	h    handle.Handle
}

func (f *FileTransfer) callbacks() Callbacks { return f.cbs }

// NewFileTransfer creates a transfer with a friend. info may be nil.
func (n *Node) NewFileTransfer(to string, info *native.FileInfo, cbs Callbacks) (*FileTransfer, error) {
	c := n.c
	var f *FileTransfer
	err := c.creating(event.ChannelFileTransfer, func() error {
		h, err := c.b.NewFileTransfer(n.info.Handle, to, info)
		if err != nil {
			return err
		}
		f = &FileTransfer{c: c, cbs: cbs, node: n.info.Handle, h: h}
		c.transfers.put(h, n.info.Handle, f)
		return nil
	})
	return f, err
}

func (f *FileTransfer) Handle() handle.Handle { return f.h }

func (f *FileTransfer) FileID(filename string) (string, error) {
	return f.c.b.FileTransferFileID(f.h, filename)
}

func (f *FileTransfer) FileName(fileID string) (string, error) {
	return f.c.b.FileTransferFileName(f.h, fileID)
}

func (f *FileTransfer) Connect() error {
	return f.c.b.FileTransferConnect(f.h)
}

func (f *FileTransfer) AcceptConnect() error {
	return f.c.b.AcceptFileTransferConnect(f.h)
}

func (f *FileTransfer) AddFile(info native.FileInfo) error {
	return f.c.b.AddFileTransferFile(f.h, info)
}

func (f *FileTransfer) PullData(fileID string, offset uint64) error {
	return f.c.b.PullFileTransferData(f.h, fileID, offset)
}

func (f *FileTransfer) WriteData(fileID string, data []byte) (int, error) {
	return f.c.b.WriteFileTransferData(f.h, fileID, data)
}

func (f *FileTransfer) SendFinish(fileID string) error {
	return f.c.b.SendFileTransferFinish(f.h, fileID)
}

func (f *FileTransfer) Cancel(fileID string, status int, reason string) error {
	return f.c.b.CancelFileTransfer(f.h, fileID, status, reason)
}

func (f *FileTransfer) Pend(fileID string) error {
	return f.c.b.PendFileTransfer(f.h, fileID)
}

func (f *FileTransfer) Resume(fileID string) error {
	return f.c.b.ResumeFileTransfer(f.h, fileID)
}

// Close forgets the transfer and closes it on the bridge.
func (f *FileTransfer) Close() error {
	f.c.transfers.remove(f.h)
	return f.c.b.CloseFileTransfer(f.h)
}
