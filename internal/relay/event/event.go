package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type 事件类型枚举，两种连接方言的事件都归一到这六种
type Type string

const (
	TypeDanmaku   Type = "danmaku"    // 弹幕
	TypeGift      Type = "gift"       // 礼物
	TypeSuperChat Type = "super_chat" // 醒目留言
	TypeLike      Type = "like"       // 点赞
	TypeEnterRoom Type = "enter_room" // 进入直播间
	TypeGuardBuy  Type = "guard_buy"  // 上舰
)

// AllTypes 全部事件类型，顺序固定
var AllTypes = []Type{TypeDanmaku, TypeGift, TypeSuperChat, TypeLike, TypeEnterRoom, TypeGuardBuy}

// Valid 判断是否为已知事件类型
func (t Type) Valid() bool {
	switch t {
	case TypeDanmaku, TypeGift, TypeSuperChat, TypeLike, TypeEnterRoom, TypeGuardBuy:
		return true
	}
	return false
}

// PlatformWeb / PlatformOpenLive 事件来源方言标识
const (
	PlatformWeb      = "web"
	PlatformOpenLive = "open_live"
)

// LiveEvent 归一化后的直播间事件。构造完成后不再修改。
// 类型相关字段只在对应 Type 下有意义，其余保持零值。
type LiveEvent struct {
	Type      Type
	Platform  string
	RoomID    int64
	MsgID     string
	UserID    string
	UserName  string
	UserFace  string
	Timestamp time.Time

	// danmaku / super_chat
	Content string

	// gift
	GiftID   int64
	GiftName string
	GiftNum  int64
	Price    int64 // 单价，1000 = 1 元（金瓜子）
	Paid     bool

	// super_chat
	SCPrice   int64 // 价格（元）
	StartTime int64
	EndTime   int64

	// guard_buy
	GuardLevel int // 0 非舰队, 1 总督, 2 提督, 3 舰长
	GuardNum   int
	GuardUnit  string

	// like
	LikeText  string
	LikeCount int64

	// 粉丝勋章
	MedalLevel int
	MedalName  string

	Raw json.RawMessage
}

// SenderID 返回用于上下文归属的发送者标识。
// 未登录用户的 user_id 为 "0"，此时退回用户名。
func (e *LiveEvent) SenderID() string {
	if e.UserID == "" || e.UserID == "0" {
		return e.UserName
	}
	return e.UserID
}

// GiftValue 礼物总价值（元）
func (e *LiveEvent) GiftValue() float64 {
	return float64(e.GiftNum) * float64(e.Price) / 1000
}

// GuardLevelName 大航海等级对应的称号
func GuardLevelName(level int) string {
	switch level {
	case 1:
		return "总督"
	case 2:
		return "提督"
	case 3:
		return "舰长"
	}
	return "未知"
}

// RenderText 渲染事件的人类可读文本，作为转发内容与 LLM 输入
func (e *LiveEvent) RenderText() string {
	switch e.Type {
	case TypeDanmaku:
		return fmt.Sprintf("[弹幕] %s(%s)说: %s", e.UserName, e.UserID, e.Content)
	case TypeGift:
		return fmt.Sprintf("%s赠送了\n%d个%s", e.UserName, e.GiftNum, e.GiftName)
	case TypeSuperChat:
		return fmt.Sprintf("[醒目留言] %s(%s)说: %s", e.UserName, e.UserID, e.Content)
	case TypeLike:
		return fmt.Sprintf("[点赞] %s(%s)点赞了", e.UserName, e.UserID)
	case TypeEnterRoom:
		return fmt.Sprintf("[进入直播间] %s(%s)进入了直播间", e.UserName, e.UserID)
	case TypeGuardBuy:
		return fmt.Sprintf("[上舰] %s(%s)成为了%s", e.UserName, e.UserID, GuardLevelName(e.GuardLevel))
	}
	return ""
}
