package normalizer

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
)

// 开放平台推送的业务消息都是 {"cmd": "...", "data": {...}} 结构，
// 字段命名与 web 端不同但信息等价。
const (
	openCmdDanmaku   = "LIVE_OPEN_PLATFORM_DM"
	openCmdGift      = "LIVE_OPEN_PLATFORM_SEND_GIFT"
	openCmdSuperChat = "LIVE_OPEN_PLATFORM_SUPER_CHAT"
	openCmdLike      = "LIVE_OPEN_PLATFORM_LIKE"
	openCmdEnterRoom = "LIVE_OPEN_PLATFORM_LIVE_ROOM_ENTER"
	openCmdGuard     = "LIVE_OPEN_PLATFORM_GUARD"
)

type openBaseCommand struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

type openDanmakuData struct {
	RoomID         int64  `json:"room_id"`
	OpenID         string `json:"open_id"`
	UID            int64  `json:"uid"`
	Uname          string `json:"uname"`
	UFace          string `json:"uface"`
	Msg            string `json:"msg"`
	MsgID          string `json:"msg_id"`
	Timestamp      int64  `json:"timestamp"`
	GuardLevel     int    `json:"guard_level"`
	FansMedalLevel int    `json:"fans_medal_level"`
	FansMedalName  string `json:"fans_medal_name"`
}

type openGiftData struct {
	RoomID    int64  `json:"room_id"`
	OpenID    string `json:"open_id"`
	UID       int64  `json:"uid"`
	Uname     string `json:"uname"`
	UFace     string `json:"uface"`
	GiftID    int64  `json:"gift_id"`
	GiftName  string `json:"gift_name"`
	GiftNum   int64  `json:"gift_num"`
	Price     int64  `json:"price"` // 单价，1000 = 1 元
	Paid      bool   `json:"paid"`
	Timestamp int64  `json:"timestamp"`
	MsgID     string `json:"msg_id"`
}

type openSuperChatData struct {
	RoomID    int64  `json:"room_id"`
	OpenID    string `json:"open_id"`
	UID       int64  `json:"uid"`
	Uname     string `json:"uname"`
	UFace     string `json:"uface"`
	MessageID int64  `json:"message_id"`
	Message   string `json:"message"`
	RMB       int64  `json:"rmb"` // 价格（元）
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Timestamp int64  `json:"timestamp"`
	MsgID     string `json:"msg_id"`
}

type openLikeData struct {
	RoomID    int64  `json:"room_id"`
	OpenID    string `json:"open_id"`
	UID       int64  `json:"uid"`
	Uname     string `json:"uname"`
	UFace     string `json:"uface"`
	LikeText  string `json:"like_text"`
	LikeCount int64  `json:"like_count"`
	Timestamp int64  `json:"timestamp"`
	MsgID     string `json:"msg_id"`
}

type openEnterRoomData struct {
	RoomID    int64  `json:"room_id"`
	OpenID    string `json:"open_id"`
	Uname     string `json:"uname"`
	UFace     string `json:"uface"`
	Timestamp int64  `json:"timestamp"`
	MsgID     string `json:"msg_id"`
}

type openGuardData struct {
	RoomID   int64 `json:"room_id"`
	UserInfo struct {
		OpenID string `json:"open_id"`
		UID    int64  `json:"uid"`
		Uname  string `json:"uname"`
		UFace  string `json:"uface"`
	} `json:"user_info"`
	GuardLevel int    `json:"guard_level"`
	GuardNum   int    `json:"guard_num"`
	GuardUnit  string `json:"guard_unit"`
	Timestamp  int64  `json:"timestamp"`
	MsgID      string `json:"msg_id"`
}

// openUserID 开放平台以 open_id 标识用户，旧接口仍可能下发数字 uid
func openUserID(openID string, uid int64) string {
	if openID != "" {
		return openID
	}
	if uid != 0 {
		return numberToString(uid)
	}
	return ""
}

func openMsgID(msgID string) string {
	if msgID != "" {
		return msgID
	}
	return uuid.NewString()
}

// FromOpenLiveCommand 将开放平台业务消息归一化为 LiveEvent
func FromOpenLiveCommand(raw []byte) (*event.LiveEvent, error) {
	var base openBaseCommand
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, unrecognized("invalid json: %v", err)
	}
	if base.Cmd == "" {
		return nil, unrecognized("missing cmd")
	}

	switch base.Cmd {
	case openCmdDanmaku:
		var data openDanmakuData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		uid := openUserID(data.OpenID, data.UID)
		if uid == "" || data.Msg == "" {
			return nil, unrecognized("%s missing uid or msg", base.Cmd)
		}
		return &event.LiveEvent{
			Type:       event.TypeDanmaku,
			Platform:   event.PlatformOpenLive,
			RoomID:     data.RoomID,
			MsgID:      openMsgID(data.MsgID),
			UserID:     uid,
			UserName:   data.Uname,
			UserFace:   data.UFace,
			Timestamp:  secsToTime(data.Timestamp),
			Content:    data.Msg,
			GuardLevel: data.GuardLevel,
			MedalLevel: data.FansMedalLevel,
			MedalName:  data.FansMedalName,
			Raw:        json.RawMessage(raw),
		}, nil

	case openCmdGift:
		var data openGiftData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		uid := openUserID(data.OpenID, data.UID)
		if uid == "" || data.GiftName == "" || data.GiftNum == 0 {
			return nil, unrecognized("%s missing required fields", base.Cmd)
		}
		return &event.LiveEvent{
			Type:      event.TypeGift,
			Platform:  event.PlatformOpenLive,
			RoomID:    data.RoomID,
			MsgID:     openMsgID(data.MsgID),
			UserID:    uid,
			UserName:  data.Uname,
			UserFace:  data.UFace,
			Timestamp: secsToTime(data.Timestamp),
			GiftID:    data.GiftID,
			GiftName:  data.GiftName,
			GiftNum:   data.GiftNum,
			Price:     data.Price,
			Paid:      data.Paid,
			Raw:       json.RawMessage(raw),
		}, nil

	case openCmdSuperChat:
		var data openSuperChatData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		uid := openUserID(data.OpenID, data.UID)
		if uid == "" || data.Message == "" {
			return nil, unrecognized("%s missing required fields", base.Cmd)
		}
		return &event.LiveEvent{
			Type:      event.TypeSuperChat,
			Platform:  event.PlatformOpenLive,
			RoomID:    data.RoomID,
			MsgID:     openMsgID(data.MsgID),
			UserID:    uid,
			UserName:  data.Uname,
			UserFace:  data.UFace,
			Timestamp: secsToTime(data.Timestamp),
			Content:   data.Message,
			SCPrice:   data.RMB,
			StartTime: data.StartTime,
			EndTime:   data.EndTime,
			Raw:       json.RawMessage(raw),
		}, nil

	case openCmdLike:
		var data openLikeData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		uid := openUserID(data.OpenID, data.UID)
		if uid == "" {
			return nil, unrecognized("%s missing uid", base.Cmd)
		}
		likeCount := data.LikeCount
		if likeCount == 0 {
			likeCount = 1
		}
		return &event.LiveEvent{
			Type:      event.TypeLike,
			Platform:  event.PlatformOpenLive,
			RoomID:    data.RoomID,
			MsgID:     openMsgID(data.MsgID),
			UserID:    uid,
			UserName:  data.Uname,
			UserFace:  data.UFace,
			Timestamp: secsToTime(data.Timestamp),
			LikeText:  data.LikeText,
			LikeCount: likeCount,
			Raw:       json.RawMessage(raw),
		}, nil

	case openCmdEnterRoom:
		var data openEnterRoomData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		if data.OpenID == "" && data.Uname == "" {
			return nil, unrecognized("%s missing identity", base.Cmd)
		}
		return &event.LiveEvent{
			Type:      event.TypeEnterRoom,
			Platform:  event.PlatformOpenLive,
			RoomID:    data.RoomID,
			MsgID:     openMsgID(data.MsgID),
			UserID:    openUserID(data.OpenID, 0),
			UserName:  data.Uname,
			UserFace:  data.UFace,
			Timestamp: secsToTime(data.Timestamp),
			Raw:       json.RawMessage(raw),
		}, nil

	case openCmdGuard:
		var data openGuardData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("%s data: %v", base.Cmd, err)
		}
		uid := openUserID(data.UserInfo.OpenID, data.UserInfo.UID)
		if uid == "" || data.GuardLevel == 0 {
			return nil, unrecognized("%s missing required fields", base.Cmd)
		}
		unit := data.GuardUnit
		if unit == "" {
			unit = "月"
		}
		return &event.LiveEvent{
			Type:       event.TypeGuardBuy,
			Platform:   event.PlatformOpenLive,
			RoomID:     data.RoomID,
			MsgID:      openMsgID(data.MsgID),
			UserID:     uid,
			UserName:   data.UserInfo.Uname,
			UserFace:   data.UserInfo.UFace,
			Timestamp:  secsToTime(data.Timestamp),
			GuardLevel: data.GuardLevel,
			GuardNum:   data.GuardNum,
			GuardUnit:  unit,
			Raw:        json.RawMessage(raw),
		}, nil

	default:
		return nil, unrecognized("open live cmd %q", base.Cmd)
	}
}
