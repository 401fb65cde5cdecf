package bridge

import (
	"encoding/base64"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

type transferRecord struct {
	ft native.FileTransfer
}

// Drop closes the native transfer once its handle is released.
func (r *transferRecord) Drop() {
	r.ft.Close()
}

// GenerateFileID returns a fresh file identifier.
func (b *Bridge) GenerateFileID() string {
	return b.sdk.GenerateFileID()
}

// NewFileTransfer creates a file transfer with a friend. info may be nil
// when files are added later.
func (b *Bridge) NewFileTransfer(node handle.Handle, to string, info *native.FileInfo) (handle.Handle, error) {
	rec, err := b.node(node)
	if err != nil {
		return 0, err
	}

	h, err := b.transfers.Reserve(node)
	if err != nil {
		return 0, err
	}

	ft, err := rec.node.NewFileTransfer(to, info, &transferDelegate{b: b, h: h})
	if err != nil {
		b.transfers.Release(h)
		return 0, nativeErr("newFileTransfer", err)
	}

	if err := b.transfers.Bind(h, &transferRecord{ft: ft}); err != nil {
		ft.Close()
		return 0, errors.HandleNotFound(errors.PhaseOperation, handle.CategoryNode.String(), uint64(node))
	}
	return h, nil
}

// CloseFileTransfer closes the transfer and releases its handle.
func (b *Bridge) CloseFileTransfer(h handle.Handle) error {
	if _, ok := b.transfers.Release(h); !ok {
		return errors.HandleNotFound(errors.PhaseOperation, handle.CategoryFileTransfer.String(), uint64(h))
	}
	return nil
}

// FileTransferFileID looks up a file's ID by name.
func (b *Bridge) FileTransferFileID(h handle.Handle, filename string) (string, error) {
	rec, err := b.transfer(h)
	if err != nil {
		return "", err
	}
	id, err := rec.ft.FileID(filename)
	return id, nativeErr("getFileTransFileId", err)
}

// FileTransferFileName looks up a file's name by ID.
func (b *Bridge) FileTransferFileName(h handle.Handle, fileID string) (string, error) {
	rec, err := b.transfer(h)
	if err != nil {
		return "", err
	}
	name, err := rec.ft.FileName(fileID)
	return name, nativeErr("getFileTransFileName", err)
}

// FileTransferConnect asks the peer to accept the transfer.
func (b *Bridge) FileTransferConnect(h handle.Handle) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("fileTransConnect", rec.ft.Connect())
}

// AcceptFileTransferConnect accepts a transfer offered by the peer.
func (b *Bridge) AcceptFileTransferConnect(h handle.Handle) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("acceptFileTransConnect", rec.ft.AcceptConnect())
}

// AddFileTransferFile offers another file over the transfer.
func (b *Bridge) AddFileTransferFile(h handle.Handle, info native.FileInfo) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("addFileTransFile", rec.ft.AddFile(info))
}

// PullFileTransferData requests file data starting at offset.
func (b *Bridge) PullFileTransferData(h handle.Handle, fileID string, offset uint64) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("pullFileTransData", rec.ft.PullData(fileID, offset))
}

// WriteFileTransferData sends a chunk of file data.
func (b *Bridge) WriteFileTransferData(h handle.Handle, fileID string, data []byte) (int, error) {
	rec, err := b.transfer(h)
	if err != nil {
		return 0, err
	}
	n, err := rec.ft.WriteData(fileID, data)
	return n, nativeErr("writeFileTransData", err)
}

// SendFileTransferFinish marks the end of a file's data.
func (b *Bridge) SendFileTransferFinish(h handle.Handle, fileID string) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("sendFileTransFinish", rec.ft.SendFinish(fileID))
}

// CancelFileTransfer aborts one file.
func (b *Bridge) CancelFileTransfer(h handle.Handle, fileID string, status int, reason string) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("cancelFileTrans", rec.ft.Cancel(fileID, status, reason))
}

// PendFileTransfer pauses one file.
func (b *Bridge) PendFileTransfer(h handle.Handle, fileID string) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("pendFileTrans", rec.ft.Pend(fileID))
}

// ResumeFileTransfer resumes a paused file.
func (b *Bridge) ResumeFileTransfer(h handle.Handle, fileID string) error {
	rec, err := b.transfer(h)
	if err != nil {
		return err
	}
	return nativeErr("resumeFileTrans", rec.ft.Resume(fileID))
}

type transferDelegate struct {
	b *Bridge
	h handle.Handle
}

func (d *transferDelegate) emit(name string, payload map[string]any) {
	d.b.publish(event.ChannelFileTransfer, d.h, name, payload)
}

func (d *transferDelegate) emitFile(name, fileID string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["fileId"] = fileID
	d.b.publishSub(event.ChannelFileTransfer, d.h, name, fileID, payload)
}

func (d *transferDelegate) OnStateChanged(_ native.FileTransfer, state native.FileTransferState) {
	d.emit("onStateChanged", map[string]any{"state": int(state)})
}

func (d *transferDelegate) OnFileRequest(_ native.FileTransfer, fileID, filename string, size uint64) {
	d.emitFile("onFileRequest", fileID, map[string]any{"filename": filename, "size": size})
}

func (d *transferDelegate) OnPullRequest(_ native.FileTransfer, fileID string, offset uint64) {
	d.emitFile("onPullRequest", fileID, map[string]any{"offset": offset})
}

func (d *transferDelegate) OnData(_ native.FileTransfer, fileID string, data []byte) bool {
	d.emitFile("onData", fileID, map[string]any{"data": base64.StdEncoding.EncodeToString(data)})
	return d.b.policy.AcceptFileData(d.h, fileID, len(data))
}

func (d *transferDelegate) OnDataFinished(_ native.FileTransfer, fileID string) {
	d.emitFile("onDataFinished", fileID, nil)
}

func (d *transferDelegate) OnPending(_ native.FileTransfer, fileID string) {
	d.emitFile("onPending", fileID, nil)
}

func (d *transferDelegate) OnResume(_ native.FileTransfer, fileID string) {
	d.emitFile("onResume", fileID, nil)
}

func (d *transferDelegate) OnCancel(_ native.FileTransfer, fileID string, status int, reason string) {
	d.emitFile("onCancel", fileID, map[string]any{"status": status, "reason": reason})
}
