package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/connection"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/dispatch"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/normalizer"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sampler"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sink"
)

// fakeConn 预置帧序列，读空后阻塞到 ctx 取消
type fakeConn struct {
	frames    [][]byte
	idx       int
	dialErrs  []error
	dialCalls int
	onDrained func()
}

func (c *fakeConn) Dial(ctx context.Context) error {
	c.dialCalls++
	if len(c.dialErrs) > 0 {
		err := c.dialErrs[0]
		c.dialErrs = c.dialErrs[1:]
		return err
	}
	return nil
}

func (c *fakeConn) ReadCommand(ctx context.Context) ([]byte, error) {
	if c.idx < len(c.frames) {
		f := c.frames[c.idx]
		c.idx++
		return f, nil
	}
	if c.onDrained != nil {
		c.onDrained()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) SendHeartbeat() error             { return nil }
func (c *fakeConn) HeartbeatInterval() time.Duration { return time.Hour }
func (c *fakeConn) Close() error                     { return nil }

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []sink.Message
}

func (s *sinkRecorder) Deliver(ctx context.Context, msg sink.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sinkRecorder) messages() []sink.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func danmakuFrame(content string) []byte {
	return []byte(fmt.Sprintf(`{"cmd":"DANMU_MSG","info":[[0,1,25,0,1700000000000,0,0,"",0,0,0],%q,[11,"Bob",0,0,0],[1,"m",null,0],[0],["",""],0,0]}`, content))
}

func newTestSession(t *testing.T, conn connection.Connection, out sink.Sink, mutate func(*Config)) *Session {
	t.Helper()
	d, err := dispatch.New(dispatch.ModeForwardOnly, nil, nil, out, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		RoomID:      1000,
		Conn:        conn,
		Normalize:   func(raw []byte) (*event.LiveEvent, error) { return normalizer.FromWebCommand(1000, raw) },
		Dispatcher:  d,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunDeliversEventsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &fakeConn{
		frames:    [][]byte{danmakuFrame("一"), danmakuFrame("二"), danmakuFrame("三")},
		onDrained: cancel,
	}
	out := &sinkRecorder{}
	s := newTestSession(t, conn, out, nil)

	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %q, want stopped", s.State())
	}

	msgs := out.messages()
	if len(msgs) != 3 {
		t.Fatalf("delivered = %d, want 3", len(msgs))
	}
	for i, want := range []string{"一", "二", "三"} {
		if wantMsg := "[弹幕] Bob(11)说: " + want; msgs[i].Message != wantMsg {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Message, wantMsg)
		}
	}
}

func TestRunReconnectsAfterDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &fakeConn{
		dialErrs:  []error{errors.New("connection refused"), errors.New("connection refused")},
		frames:    [][]byte{danmakuFrame("回来了")},
		onDrained: cancel,
	}
	out := &sinkRecorder{}
	s := newTestSession(t, conn, out, nil)

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if conn.dialCalls != 3 {
		t.Errorf("dial calls = %d, want 3", conn.dialCalls)
	}
	if len(out.messages()) != 1 {
		t.Errorf("delivered = %d, want 1", len(out.messages()))
	}
}

func TestRunGivesUpAfterConsecutiveAuthRejects(t *testing.T) {
	conn := &fakeConn{
		dialErrs: []error{connection.ErrAuthRejected, connection.ErrAuthRejected, connection.ErrAuthRejected},
	}
	s := newTestSession(t, conn, &sinkRecorder{}, nil)

	err := s.Run(context.Background())
	if !errors.Is(err, connection.ErrAuthRejected) {
		t.Fatalf("Run() error = %v, want ErrAuthRejected", err)
	}
	if conn.dialCalls != maxConsecutiveAuthRejects {
		t.Errorf("dial calls = %d, want %d", conn.dialCalls, maxConsecutiveAuthRejects)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %q, want failed", s.State())
	}
}

func TestHandleCommandFilters(t *testing.T) {
	out := &sinkRecorder{}
	lowGift := []byte(`{"cmd":"SEND_GIFT","data":{"coin_type":"gold","giftId":1,"giftName":"辣条","num":1,"price":100,"uid":2,"uname":"n"}}`)
	bigGift := []byte(`{"cmd":"SEND_GIFT","data":{"coin_type":"gold","giftId":2,"giftName":"飞船","num":1,"price":10000,"uid":2,"uname":"n"}}`)
	like := []byte(`{"cmd":"INTERACT_WORD","data":{"msg_type":6,"uid":3,"uname":"n"}}`)
	junk := []byte(`{"cmd":"WATCHED_CHANGE","data":{}}`)

	s := newTestSession(t, &fakeConn{}, out, func(cfg *Config) {
		cfg.GiftMinValue = 5
		cfg.AllowTypes = map[event.Type]bool{event.TypeGift: true, event.TypeDanmaku: true}
		cfg.Sampler = sampler.New(nil, nil)
	})

	ctx := context.Background()
	s.handleCommand(ctx, lowGift)  // 0.1 元，低于阈值
	s.handleCommand(ctx, bigGift)  // 10 元，放行
	s.handleCommand(ctx, like)     // 类型被过滤
	s.handleCommand(ctx, junk)     // 未识别
	s.handleCommand(ctx, danmakuFrame("好"))

	msgs := out.messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered = %d, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Message != "n赠送了\n1个飞船" {
		t.Errorf("msgs[0] = %q", msgs[0].Message)
	}
	if msgs[1].Message != "[弹幕] Bob(11)说: 好" {
		t.Errorf("msgs[1] = %q", msgs[1].Message)
	}
}

func TestNextBackoff(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second
	cur := base
	var prev time.Duration
	for i := 0; i < 10; i++ {
		next := nextBackoff(cur, base, max)
		if next < prev {
			t.Fatalf("backoff decreased: %v -> %v", prev, next)
		}
		if next > max {
			t.Fatalf("backoff %v exceeds cap %v", next, max)
		}
		prev = next
		cur = next
	}
	if cur != max {
		t.Errorf("backoff should reach cap, got %v", cur)
	}
	if got := nextBackoff(0, base, max); got != 2*base {
		t.Errorf("below-base input: got %v, want %v", got, 2*base)
	}
}

func TestWithJitter(t *testing.T) {
	d := 10 * time.Second
	if got := withJitter(d, 0.25, func() float64 { return 0 }); got != d-d/4 {
		t.Errorf("rng=0: got %v, want %v", got, d-d/4)
	}
	if got := withJitter(d, 0.25, func() float64 { return 1 }); got != d+d/4 {
		t.Errorf("rng=1: got %v, want %v", got, d+d/4)
	}
	if got := withJitter(d, 0.25, func() float64 { return 0.5 }); got != d {
		t.Errorf("rng=0.5: got %v, want %v", got, d)
	}
	if got := withJitter(d, 0, nil); got != d {
		t.Errorf("frac=0: got %v, want %v", got, d)
	}
}

func TestBackoffWaitNeverExceedsMax(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second

	// 退避到达上限后，向上抖动也不得突破上限
	cur := base
	for i := 0; i < 10; i++ {
		cur = nextBackoff(cur, base, max)
	}
	if got := backoffWait(cur, max, 0.25, func() float64 { return 1 }); got != max {
		t.Errorf("wait at cap with upward jitter = %v, want %v", got, max)
	}
	if got := backoffWait(cur, max, 0.25, func() float64 { return 0 }); got != max-max/4 {
		t.Errorf("downward jitter = %v, want %v", got, max-max/4)
	}
	if got := backoffWait(base, max, 0.25, func() float64 { return 1 }); got != base+base/4 {
		t.Errorf("below cap: got %v, want %v", got, base+base/4)
	}
}
