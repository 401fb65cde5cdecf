package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/correlation"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/native"
)

type action func(b *Bridge, r *argReader) (any, error)

// Exec runs one operation addressed by its action name with primitive,
// JSON-style arguments. Handles are passed as integers and binary data as
// Base64 text. Malformed arguments are rejected before any native call.
func (b *Bridge) Exec(ctx context.Context, name string, args []any) (result any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, ok := actions[name]
	if !ok {
		return nil, errors.MalformedRequest(name, "unknown action")
	}

	defer func() {
		if p := recover(); p != nil {
			Logger().Error("action panicked",
				zap.String("action", name),
				zap.Any("panic", p),
				zap.Stack("stack"))
			result = nil
			err = errors.NativeFailed(name, fmt.Errorf("panic: %v", p))
		}
	}()

	r := &argReader{action: name, values: args}
	result, err = fn(b, r)
	if r.err != nil {
		return nil, r.err
	}
	if err != nil {
		Logger().Debug("action failed", zap.String("action", name), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// Actions lists every name Exec accepts, sorted.
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func done(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return "ok", nil
}

func reply(m map[string]any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

var actions = map[string]action{
	"getVersion": func(b *Bridge, _ *argReader) (any, error) {
		return b.Version(), nil
	},
	"isValidAddress": func(b *Bridge, r *argReader) (any, error) {
		address := r.str(0)
		if r.err != nil {
			return nil, r.err
		}
		return b.IsValidAddress(address), nil
	},
	"isValidId": func(b *Bridge, r *argReader) (any, error) {
		id := r.str(0)
		if r.err != nil {
			return nil, r.err
		}
		return b.IsValidID(id), nil
	},
	"getIdFromAddress": func(b *Bridge, r *argReader) (any, error) {
		address := r.str(0)
		if r.err != nil {
			return nil, r.err
		}
		id, err := b.IDFromAddress(address)
		return reply(map[string]any{"userId": id}, err)
	},

	// node
	"createObject": func(b *Bridge, r *argReader) (any, error) {
		dir, overlay := r.str(0), r.object(1)
		opts := b.opts.NodeDefaults
		opts.Bootstraps = slices.Clone(opts.Bootstraps)
		opts.ExpressNodes = slices.Clone(opts.ExpressNodes)
		r.decode(1, overlay, &opts)
		if r.err != nil {
			return nil, r.err
		}
		if dir != "" {
			opts.PersistentLocation = filepath.Join(b.opts.DataDir, dir)
		}

		info, err := b.CreateNode(opts)
		if err != nil {
			return nil, err
		}
		groups := make([]uint64, len(info.Groups))
		for i, g := range info.Groups {
			groups[i] = uint64(g)
		}
		return map[string]any{
			"id":       uint64(info.Handle),
			"nodeId":   info.NodeID,
			"userId":   info.UserID,
			"address":  info.Address,
			"nospam":   info.Nospam,
			"presence": int(info.Presence),
			"groups":   groups,
		}, nil
	},
	"carrierStart": func(b *Bridge, r *argReader) (any, error) {
		h, ms := r.ref(0), r.num(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.Start(h, time.Duration(ms)*time.Millisecond))
	},
	"isReady": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		ready, err := b.IsReady(h)
		return reply(map[string]any{"isReady": ready}, err)
	},
	"getSelfInfo": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		info, err := b.SelfInfo(h)
		return reply(userInfoMap(info), err)
	},
	"setSelfInfo": func(b *Bridge, r *argReader) (any, error) {
		h, field, value := r.ref(0), r.str(1), r.str(2)
		if r.err != nil {
			return nil, r.err
		}
		_, err := b.SetSelfInfo(h, field, value)
		return reply(map[string]any{"name": field, "value": value}, err)
	},
	"getNospam": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		v, err := b.Nospam(h)
		return reply(map[string]any{"nospam": v}, err)
	},
	"setNospam": func(b *Bridge, r *argReader) (any, error) {
		h, v := r.ref(0), r.u32(1)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"nospam": v}, b.SetNospam(h, v))
	},
	"getPresence": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		p, err := b.Presence(h)
		return reply(map[string]any{"presence": int(p)}, err)
	},
	"setPresence": func(b *Bridge, r *argReader) (any, error) {
		h, p := r.ref(0), native.Presence(r.num(1))
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"presence": int(p)}, b.SetPresence(h, p))
	},
	"getFriends": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		friends, err := b.Friends(h)
		return reply(map[string]any{"friends": friendsMap(friends)}, err)
	},
	"getFriend": func(b *Bridge, r *argReader) (any, error) {
		h, userID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		info, err := b.Friend(h, userID)
		return reply(friendInfoMap(info), err)
	},
	"labelFriend": func(b *Bridge, r *argReader) (any, error) {
		h, userID, label := r.ref(0), r.str(1), r.str(2)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"userId": userID, "label": label}, b.LabelFriend(h, userID, label))
	},
	"isFriend": func(b *Bridge, r *argReader) (any, error) {
		h, userID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		ok, err := b.IsFriend(h, userID)
		return reply(map[string]any{"userId": userID, "isFriend": ok}, err)
	},
	"addFriend": func(b *Bridge, r *argReader) (any, error) {
		h, address, hello := r.ref(0), r.str(1), r.optStr(2)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"address": address}, b.AddFriend(h, address, hello))
	},
	"acceptFriend": func(b *Bridge, r *argReader) (any, error) {
		h, userID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"userId": userID}, b.AcceptFriend(h, userID))
	},
	"removeFriend": func(b *Bridge, r *argReader) (any, error) {
		h, userID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"userId": userID}, b.RemoveFriend(h, userID))
	},
	"sendFriendMessage": func(b *Bridge, r *argReader) (any, error) {
		h, to, message := r.ref(0), r.str(1), r.str(2)
		if r.err != nil {
			return nil, r.err
		}
		offline, err := b.SendFriendMessage(h, to, []byte(message))
		return reply(map[string]any{"isOffline": offline}, err)
	},
	"inviteFriend": func(b *Bridge, r *argReader) (any, error) {
		h, to, data, id := r.ref(0), r.str(1), r.str(2), r.u64(3)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"to": to, "data": data}, b.InviteFriend(h, to, data, correlation.ID(id)))
	},
	"replyFriendInvite": func(b *Bridge, r *argReader) (any, error) {
		h, to, status, reason, data := r.ref(0), r.str(1), r.num(2), r.optStr(3), r.optStr(4)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"to": to, "status": status}, b.ReplyFriendInvite(h, to, status, reason, data))
	},
	"destroy": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.DestroyNode(h))
	},

	// session
	"newSession": func(b *Bridge, r *argReader) (any, error) {
		h, to := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		info, err := b.NewSession(h, to)
		return reply(map[string]any{"id": uint64(info.Handle), "peer": info.Peer}, err)
	},
	"sessionClose": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.CloseSession(h))
	},
	"getPeer": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		peer, err := b.SessionPeer(h)
		return reply(map[string]any{"peer": peer}, err)
	},
	"sessionRequest": func(b *Bridge, r *argReader) (any, error) {
		h, id := r.ref(0), r.u64(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.SessionRequest(h, correlation.ID(id)))
	},
	"sessionReplyRequest": func(b *Bridge, r *argReader) (any, error) {
		h, status, reason := r.ref(0), r.num(1), r.optStr(2)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.SessionReplyRequest(h, status, reason))
	},
	"sessionStart": func(b *Bridge, r *argReader) (any, error) {
		h, sdp := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"sdp": sdp}, b.SessionStart(h, sdp))
	},
	"addService": func(b *Bridge, r *argReader) (any, error) {
		h, service, proto, host, port := r.ref(0), r.str(1), r.num(2), r.str(3), r.str(4)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.AddService(h, service, native.PortForwardingProtocol(proto), host, port))
	},
	"removeService": func(b *Bridge, r *argReader) (any, error) {
		h, service := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.RemoveService(h, service))
	},

	// stream
	"addStream": func(b *Bridge, r *argReader) (any, error) {
		h, t, o := r.ref(0), r.num(1), r.num(2)
		if r.err != nil {
			return nil, r.err
		}
		info, err := b.AddStream(h, native.StreamType(t), native.StreamOptions(o))
		return reply(map[string]any{
			"objId":   uint64(info.Handle),
			"id":      info.ID,
			"type":    int(info.Type),
			"options": int(info.Options),
		}, err)
	},
	"removeStream": func(b *Bridge, r *argReader) (any, error) {
		session, stream := r.ref(0), r.ref(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.RemoveStream(session, stream))
	},
	"getTransportInfo": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		info, err := b.TransportInfo(h)
		return reply(transportInfoMap(info), err)
	},
	"streamWrite": func(b *Bridge, r *argReader) (any, error) {
		h, data := r.ref(0), r.bytes(1)
		if r.err != nil {
			return nil, r.err
		}
		n, err := b.StreamWrite(h, data)
		return reply(map[string]any{"written": n}, err)
	},
	"openChannel": func(b *Bridge, r *argReader) (any, error) {
		h, cookie := r.ref(0), r.optStr(1)
		if r.err != nil {
			return nil, r.err
		}
		ch, err := b.OpenChannel(h, cookie)
		return reply(map[string]any{"channel": ch}, err)
	},
	"closeChannel": func(b *Bridge, r *argReader) (any, error) {
		h, ch := r.ref(0), r.num(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.CloseChannel(h, ch))
	},
	"writeChannel": func(b *Bridge, r *argReader) (any, error) {
		h, ch, data := r.ref(0), r.num(1), r.bytes(2)
		if r.err != nil {
			return nil, r.err
		}
		n, err := b.WriteChannel(h, ch, data)
		return reply(map[string]any{"channel": ch, "written": n}, err)
	},
	"pendChannel": func(b *Bridge, r *argReader) (any, error) {
		h, ch := r.ref(0), r.num(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.PendChannel(h, ch))
	},
	"resumeChannel": func(b *Bridge, r *argReader) (any, error) {
		h, ch := r.ref(0), r.num(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.ResumeChannel(h, ch))
	},
	"openPortForwarding": func(b *Bridge, r *argReader) (any, error) {
		h, service, proto, host, port := r.ref(0), r.str(1), r.num(2), r.str(3), r.str(4)
		if r.err != nil {
			return nil, r.err
		}
		id, err := b.OpenPortForwarding(h, service, native.PortForwardingProtocol(proto), host, port)
		return reply(map[string]any{"pfId": id}, err)
	},
	"closePortForwarding": func(b *Bridge, r *argReader) (any, error) {
		h, id := r.ref(0), r.num(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.ClosePortForwarding(h, id))
	},

	// group
	"createGroup": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		g, err := b.CreateGroup(h)
		return reply(map[string]any{"groupId": uint64(g)}, err)
	},
	"joinGroup": func(b *Bridge, r *argReader) (any, error) {
		h, friendID, cookie := r.ref(0), r.str(1), r.str(2)
		if r.err != nil {
			return nil, r.err
		}
		g, err := b.JoinGroup(h, friendID, cookie)
		return reply(map[string]any{"groupId": uint64(g)}, err)
	},
	"leaveGroup": func(b *Bridge, r *argReader) (any, error) {
		h, g := r.ref(0), r.ref(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.LeaveGroup(h, g))
	},
	"getGroups": func(b *Bridge, r *argReader) (any, error) {
		h := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		groups, err := b.Groups(h)
		ids := make([]uint64, len(groups))
		for i, g := range groups {
			ids[i] = uint64(g)
		}
		return reply(map[string]any{"groups": ids}, err)
	},
	"inviteGroup": func(b *Bridge, r *argReader) (any, error) {
		g, friendID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.InviteGroup(g, friendID))
	},
	"sendGroupMessage": func(b *Bridge, r *argReader) (any, error) {
		g, message := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.SendGroupMessage(g, []byte(message)))
	},
	"getGroupTitle": func(b *Bridge, r *argReader) (any, error) {
		g := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		title, err := b.GroupTitle(g)
		return reply(map[string]any{"groupTitle": title}, err)
	},
	"setGroupTitle": func(b *Bridge, r *argReader) (any, error) {
		g, title := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return reply(map[string]any{"groupTitle": title}, b.SetGroupTitle(g, title))
	},
	"getGroupPeers": func(b *Bridge, r *argReader) (any, error) {
		g := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		peers, err := b.GroupPeers(g)
		out := make(map[string]any, len(peers))
		for _, p := range peers {
			out[p.UserID] = peerInfoMap(p)
		}
		return reply(out, err)
	},
	"getGroupPeer": func(b *Bridge, r *argReader) (any, error) {
		g, peerID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		peer, err := b.GroupPeer(g, peerID)
		return reply(peerInfoMap(peer), err)
	},

	// file transfer
	"generateFileTransFileId": func(b *Bridge, _ *argReader) (any, error) {
		return map[string]any{"fileId": b.GenerateFileID()}, nil
	},
	"newFileTransfer": func(b *Bridge, r *argReader) (any, error) {
		h, to, obj := r.ref(0), r.str(1), r.object(2)
		var info *native.FileInfo
		if obj != nil {
			info = &native.FileInfo{}
			r.decode(2, obj, info)
		}
		if r.err != nil {
			return nil, r.err
		}
		ft, err := b.NewFileTransfer(h, to, info)
		return reply(map[string]any{"fileTransferId": uint64(ft)}, err)
	},
	"closeFileTrans": func(b *Bridge, r *argReader) (any, error) {
		ft := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.CloseFileTransfer(ft))
	},
	"getFileTransFileId": func(b *Bridge, r *argReader) (any, error) {
		ft, filename := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		id, err := b.FileTransferFileID(ft, filename)
		return reply(map[string]any{"fileId": id}, err)
	},
	"getFileTransFileName": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		name, err := b.FileTransferFileName(ft, fileID)
		return reply(map[string]any{"filename": name}, err)
	},
	"fileTransConnect": func(b *Bridge, r *argReader) (any, error) {
		ft := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.FileTransferConnect(ft))
	},
	"acceptFileTransConnect": func(b *Bridge, r *argReader) (any, error) {
		ft := r.ref(0)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.AcceptFileTransferConnect(ft))
	},
	"addFileTransFile": func(b *Bridge, r *argReader) (any, error) {
		ft, obj := r.ref(0), r.object(1)
		if obj == nil {
			r.fail(1, "file info is required", nil)
		}
		var info native.FileInfo
		r.decode(1, obj, &info)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.AddFileTransferFile(ft, info))
	},
	"pullFileTransData": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID, offset := r.ref(0), r.str(1), r.u64(2)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.PullFileTransferData(ft, fileID, offset))
	},
	"writeFileTransData": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID, data := r.ref(0), r.str(1), r.bytes(2)
		if r.err != nil {
			return nil, r.err
		}
		n, err := b.WriteFileTransferData(ft, fileID, data)
		return reply(map[string]any{"written": n}, err)
	},
	"sendFileTransFinish": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.SendFileTransferFinish(ft, fileID))
	},
	"cancelFileTrans": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID, status, reason := r.ref(0), r.str(1), r.num(2), r.optStr(3)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.CancelFileTransfer(ft, fileID, status, reason))
	},
	"pendFileTrans": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.PendFileTransfer(ft, fileID))
	},
	"resumeFileTrans": func(b *Bridge, r *argReader) (any, error) {
		ft, fileID := r.ref(0), r.str(1)
		if r.err != nil {
			return nil, r.err
		}
		return done(b.ResumeFileTransfer(ft, fileID))
	},
}
