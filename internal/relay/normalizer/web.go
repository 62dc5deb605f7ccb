package normalizer

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
)

// webBaseCommand 初步解析，提取 cmd 后延迟解析 data/info
type webBaseCommand struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
	Info json.RawMessage `json:"info"`
}

// interactWordData INTERACT_WORD 的 data 字段
// msg_type: 1 进入直播间, 6 点赞
type interactWordData struct {
	MsgType   int         `json:"msg_type"`
	RoomID    json.Number `json:"roomid"`
	Timestamp int64       `json:"timestamp"`
	UID       json.Number `json:"uid"`
	Uname     string      `json:"uname"`
	FansMedal struct {
		MedalLevel int    `json:"medal_level"`
		MedalName  string `json:"medal_name"`
	} `json:"fans_medal"`
}

// sendGiftData SEND_GIFT 的 data 字段
type sendGiftData struct {
	CoinType  string      `json:"coin_type"` // "gold" 付费, "silver" 免费
	Face      string      `json:"face"`
	GiftID    int64       `json:"giftId"`
	GiftName  string      `json:"giftName"`
	Num       int64       `json:"num"`
	Price     int64       `json:"price"` // 单价，1000 = 1 元
	Tid       string      `json:"tid"`
	Timestamp int64       `json:"timestamp"`
	UID       json.Number `json:"uid"`
	Uname     string      `json:"uname"`
	MedalInfo struct {
		MedalLevel int    `json:"medal_level"`
		MedalName  string `json:"medal_name"`
	} `json:"medal_info"`
}

// guardBuyData GUARD_BUY 的 data 字段
type guardBuyData struct {
	GuardLevel int         `json:"guard_level"` // 1 总督, 2 提督, 3 舰长
	Num        int         `json:"num"`
	Price      int64       `json:"price"` // 金瓜子
	StartTime  int64       `json:"start_time"`
	UID        json.Number `json:"uid"`
	Username   string      `json:"username"`
	GiftID     int64       `json:"gift_id"`
	GiftName   string      `json:"gift_name"`
}

// superChatData SUPER_CHAT_MESSAGE 的 data 字段
type superChatData struct {
	ID        json.Number `json:"id"`
	Message   string      `json:"message"`
	Price     int64       `json:"price"` // 元
	StartTime int64       `json:"start_time"`
	EndTime   int64       `json:"end_time"`
	UID       json.Number `json:"uid"`
	UserInfo  struct {
		Face  string `json:"face"`
		Uname string `json:"uname"`
	} `json:"user_info"`
	MedalInfo struct {
		MedalLevel int    `json:"medal_level"`
		MedalName  string `json:"medal_name"`
	} `json:"medal_info"`
}

// FromWebCommand 将 web 端 ws 业务消息归一化为 LiveEvent
func FromWebCommand(roomID int64, raw []byte) (*event.LiveEvent, error) {
	var base webBaseCommand
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, unrecognized("invalid json: %v", err)
	}
	if base.Cmd == "" {
		return nil, unrecognized("missing cmd")
	}

	switch base.Cmd {
	case "DANMU_MSG":
		// info 是定长数组：info[1] 内容, info[2] 用户, info[0][4] 毫秒时间戳
		content := gjson.GetBytes(base.Info, "1").String()
		uid := numberToString(gjson.GetBytes(base.Info, "2.0").Value())
		uname := gjson.GetBytes(base.Info, "2.1").String()
		if uid == "" || content == "" {
			return nil, unrecognized("DANMU_MSG missing uid or content")
		}
		ts := gjson.GetBytes(base.Info, "0.4").Int()
		msgID := numberToString(gjson.GetBytes(base.Info, "0.5").Value())
		if msgID == "" {
			msgID = uuid.NewString()
		}
		return &event.LiveEvent{
			Type:       event.TypeDanmaku,
			Platform:   event.PlatformWeb,
			RoomID:     roomID,
			MsgID:      msgID,
			UserID:     uid,
			UserName:   uname,
			Timestamp:  millisToTime(ts),
			Content:    content,
			GuardLevel: int(gjson.GetBytes(base.Info, "7").Int()),
			MedalLevel: int(gjson.GetBytes(base.Info, "3.0").Int()),
			MedalName:  gjson.GetBytes(base.Info, "3.1").String(),
			Raw:        json.RawMessage(raw),
		}, nil

	case "SEND_GIFT":
		var data sendGiftData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("SEND_GIFT data: %v", err)
		}
		uid := numberToString(data.UID)
		if uid == "" || data.GiftName == "" || data.Num == 0 {
			return nil, unrecognized("SEND_GIFT missing required fields")
		}
		msgID := data.Tid
		if msgID == "" {
			msgID = uuid.NewString()
		}
		return &event.LiveEvent{
			Type:       event.TypeGift,
			Platform:   event.PlatformWeb,
			RoomID:     roomID,
			MsgID:      msgID,
			UserID:     uid,
			UserName:   data.Uname,
			UserFace:   data.Face,
			Timestamp:  secsToTime(data.Timestamp),
			GiftID:     data.GiftID,
			GiftName:   data.GiftName,
			GiftNum:    data.Num,
			Price:      data.Price,
			Paid:       data.CoinType == "gold",
			MedalLevel: data.MedalInfo.MedalLevel,
			MedalName:  data.MedalInfo.MedalName,
			Raw:        json.RawMessage(raw),
		}, nil

	case "SUPER_CHAT_MESSAGE":
		var data superChatData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("SUPER_CHAT_MESSAGE data: %v", err)
		}
		uid := numberToString(data.UID)
		if uid == "" || data.Message == "" {
			return nil, unrecognized("SUPER_CHAT_MESSAGE missing required fields")
		}
		msgID := numberToString(data.ID)
		if msgID == "" {
			msgID = uuid.NewString()
		}
		return &event.LiveEvent{
			Type:       event.TypeSuperChat,
			Platform:   event.PlatformWeb,
			RoomID:     roomID,
			MsgID:      msgID,
			UserID:     uid,
			UserName:   data.UserInfo.Uname,
			UserFace:   data.UserInfo.Face,
			Timestamp:  secsToTime(data.StartTime),
			Content:    data.Message,
			SCPrice:    data.Price,
			StartTime:  data.StartTime,
			EndTime:    data.EndTime,
			MedalLevel: data.MedalInfo.MedalLevel,
			MedalName:  data.MedalInfo.MedalName,
			Raw:        json.RawMessage(raw),
		}, nil

	case "GUARD_BUY":
		var data guardBuyData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("GUARD_BUY data: %v", err)
		}
		uid := numberToString(data.UID)
		if uid == "" || data.GuardLevel == 0 {
			return nil, unrecognized("GUARD_BUY missing required fields")
		}
		return &event.LiveEvent{
			Type:       event.TypeGuardBuy,
			Platform:   event.PlatformWeb,
			RoomID:     roomID,
			MsgID:      uuid.NewString(),
			UserID:     uid,
			UserName:   data.Username,
			Timestamp:  secsToTime(data.StartTime),
			GuardLevel: data.GuardLevel,
			GuardNum:   data.Num,
			GuardUnit:  "月",
			Price:      data.Price,
			GiftID:     data.GiftID,
			GiftName:   data.GiftName,
			Raw:        json.RawMessage(raw),
		}, nil

	case "INTERACT_WORD":
		var data interactWordData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			return nil, unrecognized("INTERACT_WORD data: %v", err)
		}
		uid := numberToString(data.UID)
		if uid == "" || data.Uname == "" {
			return nil, unrecognized("INTERACT_WORD missing uid or uname")
		}
		ev := &event.LiveEvent{
			Platform:   event.PlatformWeb,
			RoomID:     roomID,
			MsgID:      uuid.NewString(),
			UserID:     uid,
			UserName:   data.Uname,
			Timestamp:  secsToTime(data.Timestamp),
			MedalLevel: data.FansMedal.MedalLevel,
			MedalName:  data.FansMedal.MedalName,
			Raw:        json.RawMessage(raw),
		}
		switch data.MsgType {
		case 1:
			ev.Type = event.TypeEnterRoom
			return ev, nil
		case 6:
			ev.Type = event.TypeLike
			ev.LikeText = "为主播点赞了"
			ev.LikeCount = 1
			return ev, nil
		default:
			return nil, unrecognized("INTERACT_WORD msg_type %d", data.MsgType)
		}

	default:
		return nil, unrecognized("web cmd %q", base.Cmd)
	}
}

func secsToTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
