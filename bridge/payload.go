package bridge

import "github.com/wippyai/carrier-bridge/native"

func userInfoMap(info native.UserInfo) map[string]any {
	return map[string]any{
		"userId":      info.UserID,
		"name":        info.Name,
		"description": info.Description,
		"gender":      info.Gender,
		"phone":       info.Phone,
		"email":       info.Email,
		"region":      info.Region,
		"hasAvatar":   info.HasAvatar,
	}
}

func friendInfoMap(info native.FriendInfo) map[string]any {
	return map[string]any{
		"status":   int(info.Connection),
		"label":    info.Label,
		"presence": int(info.Presence),
		"userInfo": userInfoMap(info.UserInfo),
	}
}

// friendsMap keys friends by user ID.
func friendsMap(friends []native.FriendInfo) map[string]any {
	out := make(map[string]any, len(friends))
	for _, f := range friends {
		out[f.UserInfo.UserID] = friendInfoMap(f)
	}
	return out
}

func fileInfoMap(info native.FileInfo) map[string]any {
	return map[string]any{
		"fileId":   info.FileID,
		"filename": info.FileName,
		"size":     info.Size,
	}
}

func peerInfoMap(info native.PeerInfo) map[string]any {
	return map[string]any{
		"peerName":   info.Name,
		"peerUserId": info.UserID,
	}
}

func addressInfoMap(info native.AddressInfo) map[string]any {
	m := map[string]any{
		"type":    int(info.Type),
		"address": info.Address,
		"port":    info.Port,
	}
	if info.RelatedAddress != "" {
		m["relatedAddress"] = info.RelatedAddress
		m["relatedPort"] = info.RelatedPort
	}
	return m
}

func transportInfoMap(info native.TransportInfo) map[string]any {
	return map[string]any{
		"topology":   int(info.Topology),
		"localAddr":  addressInfoMap(info.Local),
		"remoteAddr": addressInfoMap(info.Remote),
	}
}
