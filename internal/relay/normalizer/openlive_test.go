package normalizer

import (
	"errors"
	"testing"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
)

func TestFromOpenLiveCommandDanmaku(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_DM","data":{"room_id":1000,"open_id":"oid-1","uname":"Alice","uface":"f","msg":"hello","msg_id":"m-1","timestamp":1700000000,"guard_level":0,"fans_medal_level":5,"fans_medal_name":"牌子"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeDanmaku || ev.Platform != event.PlatformOpenLive {
		t.Errorf("type/platform = %q/%q", ev.Type, ev.Platform)
	}
	if ev.UserID != "oid-1" || ev.Content != "hello" || ev.MsgID != "m-1" {
		t.Errorf("fields = %q/%q/%q", ev.UserID, ev.Content, ev.MsgID)
	}
	if ev.RoomID != 1000 {
		t.Errorf("RoomID = %d, want 1000", ev.RoomID)
	}
}

func TestFromOpenLiveCommandDanmakuNumericUID(t *testing.T) {
	// 旧版开放平台没有 open_id，回落到数字 uid
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_DM","data":{"room_id":1,"uid":888,"uname":"B","msg":"x","timestamp":1}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.UserID != "888" {
		t.Errorf("UserID = %q, want 888", ev.UserID)
	}
	if ev.MsgID == "" {
		t.Error("missing msg_id should be backfilled")
	}
}

func TestFromOpenLiveCommandGift(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_SEND_GIFT","data":{"room_id":1,"open_id":"o","uname":"A","gift_id":2,"gift_name":"辣条","gift_num":10,"price":100,"paid":false,"timestamp":1,"msg_id":"g-1"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeGift || ev.GiftNum != 10 || ev.Price != 100 {
		t.Errorf("gift fields = %q/%d/%d", ev.Type, ev.GiftNum, ev.Price)
	}
	if ev.GiftValue() != 1 {
		t.Errorf("GiftValue() = %v, want 1", ev.GiftValue())
	}
}

func TestFromOpenLiveCommandSuperChat(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_SUPER_CHAT","data":{"room_id":1,"open_id":"o","uname":"A","message_id":7,"message":"sc","rmb":30,"start_time":10,"end_time":70,"timestamp":10,"msg_id":"s-1"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeSuperChat || ev.SCPrice != 30 || ev.Content != "sc" {
		t.Errorf("sc fields = %q/%d/%q", ev.Type, ev.SCPrice, ev.Content)
	}
}

func TestFromOpenLiveCommandLike(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_LIKE","data":{"room_id":1,"open_id":"o","uname":"A","like_text":"为主播点赞了","timestamp":1,"msg_id":"l-1"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeLike {
		t.Fatalf("Type = %q, want like", ev.Type)
	}
	if ev.LikeCount != 1 {
		t.Errorf("zero like_count should default to 1, got %d", ev.LikeCount)
	}
}

func TestFromOpenLiveCommandEnterRoom(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_LIVE_ROOM_ENTER","data":{"room_id":1,"open_id":"o","uname":"A","timestamp":1,"msg_id":"e-1"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeEnterRoom {
		t.Errorf("Type = %q, want enter_room", ev.Type)
	}
}

func TestFromOpenLiveCommandGuard(t *testing.T) {
	raw := `{"cmd":"LIVE_OPEN_PLATFORM_GUARD","data":{"room_id":1,"user_info":{"open_id":"o","uname":"A"},"guard_level":3,"guard_num":1,"guard_unit":"月","timestamp":1,"msg_id":"g-2"}}`
	ev, err := FromOpenLiveCommand([]byte(raw))
	if err != nil {
		t.Fatalf("FromOpenLiveCommand() error = %v", err)
	}
	if ev.Type != event.TypeGuardBuy || ev.GuardLevel != 3 || ev.GuardUnit != "月" {
		t.Errorf("guard fields = %q/%d/%q", ev.Type, ev.GuardLevel, ev.GuardUnit)
	}
}

func TestFromOpenLiveCommandUnrecognized(t *testing.T) {
	for _, raw := range []string{
		`{"cmd":"LIVE_OPEN_PLATFORM_INTERACTION_END","data":{"game_id":"x"}}`,
		`{"data":{}}`,
		`not json`,
	} {
		ev, err := FromOpenLiveCommand([]byte(raw))
		if !errors.Is(err, ErrUnrecognizedFrame) {
			t.Errorf("error = %v, want ErrUnrecognizedFrame for %q", err, raw)
		}
		if ev != nil {
			t.Error("unrecognized frame must not produce an event")
		}
	}
}
