// Package session 驱动单个直播间的监听生命周期：连接、认证、
// 心跳、事件管线，以及断线后的指数退避重连。
package session

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/connection"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/dispatch"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sampler"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/pkg/observability"
)

// State 会话所处阶段
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackingOff   State = "backing_off"
	StateStopped      State = "stopped"
	// 连续认证失败，不再重连
	StateFailed State = "failed"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 60 * time.Second
	// 连续认证被拒这么多次后放弃
	maxConsecutiveAuthRejects = 3
)

// Config 单个房间会话的全部依赖，由装配方注入
type Config struct {
	RoomID       int64
	Conn         connection.Connection
	Normalize    func(raw []byte) (*event.LiveEvent, error)
	AllowTypes   map[event.Type]bool
	GiftMinValue float64 // 元，低于该价值的礼物不处理
	Throttle     time.Duration
	Sampler      *sampler.Sampler
	Dispatcher   *dispatch.Dispatcher
	Logger       *zap.Logger

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Session 一个房间的监听会话。Run 返回后会话不可复用。
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	state State
}

func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if cfg.Normalize == nil {
		return nil, errors.New("normalize func is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sampler.New(nil, nil)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With(zap.Int64("room_id", cfg.RoomID)),
		state:  StateDisconnected,
	}, nil
}

func (s *Session) RoomID() int64 { return s.cfg.RoomID }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run 阻塞运行直到 ctx 取消或认证被连续拒绝
func (s *Session) Run(ctx context.Context) error {
	roomLabel := strconv.FormatInt(s.cfg.RoomID, 10)
	delay := s.cfg.BackoffBase
	authRejects := 0

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}

		s.setState(StateConnecting)
		if err := s.cfg.Conn.Dial(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				s.setState(StateStopped)
				return err
			}
			if errors.Is(err, connection.ErrAuthRejected) {
				authRejects++
				s.logger.Error("认证被拒绝", zap.Int("consecutive", authRejects), zap.Error(err))
				if authRejects >= maxConsecutiveAuthRejects {
					s.setState(StateFailed)
					return err
				}
			} else {
				s.logger.Error("连接失败，准备重连", zap.Error(err))
			}
			observability.RecordReconnect(roomLabel)
			if !s.backOff(ctx, delay) {
				s.setState(StateStopped)
				return ctx.Err()
			}
			delay = nextBackoff(delay, s.cfg.BackoffBase, s.cfg.BackoffMax)
			continue
		}

		authRejects = 0
		delay = s.cfg.BackoffBase
		s.setState(StateConnected)
		s.logger.Info("会话已连接")

		err := s.pump(ctx)
		_ = s.cfg.Conn.Close()
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}
		s.logger.Warn("连接中断，准备重连", zap.Error(err))
		observability.RecordReconnect(roomLabel)
		if !s.backOff(ctx, delay) {
			s.setState(StateStopped)
			return ctx.Err()
		}
		delay = nextBackoff(delay, s.cfg.BackoffBase, s.cfg.BackoffMax)
	}
}

// backOff 等待一个带 ±25% 抖动的退避间隔，ctx 取消返回 false
func (s *Session) backOff(ctx context.Context, delay time.Duration) bool {
	s.setState(StateBackingOff)
	jittered := backoffWait(delay, s.cfg.BackoffMax, 0.25, rand.Float64)
	s.logger.Info("进入退避等待", zap.Duration("delay", jittered))
	select {
	case <-time.After(jittered):
		return true
	case <-ctx.Done():
		return false
	}
}

// pump 已连接状态下的心跳和事件循环，连接断开时返回
func (s *Session) pump(ctx context.Context) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go s.runHeartbeat(hbCtx)

	for {
		raw, err := s.cfg.Conn.ReadCommand(ctx)
		if err != nil {
			return err
		}
		s.handleCommand(ctx, raw)
	}
}

func (s *Session) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Conn.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.cfg.Conn.SendHeartbeat(); err != nil {
				s.logger.Error("发送心跳失败，心跳协程退出", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleCommand 事件管线：归一化 → 类型过滤 → 礼物价值过滤 →
// 采样 → 节流 → 分发。逐条顺序处理，保证同房间有序。
func (s *Session) handleCommand(ctx context.Context, raw []byte) {
	roomLabel := strconv.FormatInt(s.cfg.RoomID, 10)

	ev, err := s.cfg.Normalize(raw)
	if err != nil {
		s.logger.Debug("丢弃未识别的业务消息", zap.Error(err))
		observability.RecordEventDropped(roomLabel, "unrecognized")
		return
	}
	observability.RecordEventReceived(roomLabel, ev.Platform, string(ev.Type))

	if len(s.cfg.AllowTypes) > 0 && !s.cfg.AllowTypes[ev.Type] {
		observability.RecordEventDropped(roomLabel, "type_filtered")
		return
	}
	if ev.Type == event.TypeGift && ev.GiftValue() < s.cfg.GiftMinValue {
		s.logger.Debug("礼物价值低于阈值，跳过",
			zap.String("gift", ev.GiftName),
			zap.Float64("value", ev.GiftValue()),
		)
		observability.RecordEventDropped(roomLabel, "gift_below_min")
		return
	}
	if !s.cfg.Sampler.Keep(ev.Type) {
		observability.RecordEventDropped(roomLabel, "sampled")
		return
	}

	if s.cfg.Throttle > 0 {
		select {
		case <-time.After(s.cfg.Throttle):
		case <-ctx.Done():
			return
		}
	}

	start := time.Now()
	status, err := s.cfg.Dispatcher.Dispatch(ctx, ev)
	observability.RecordDispatch(string(s.cfg.Dispatcher.Mode()), string(status), time.Since(start))
	if err != nil {
		s.logger.Error("事件投递失败",
			zap.String("type", string(ev.Type)),
			zap.String("msg_id", ev.MsgID),
			zap.Error(err),
		)
		observability.RecordEventDropped(roomLabel, "delivery_failed")
	}
}

// nextBackoff 翻倍并封顶
func nextBackoff(cur, base, max time.Duration) time.Duration {
	if cur < base {
		cur = base
	}
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// withJitter 在 ±frac 范围内抖动
func withJitter(d time.Duration, frac float64, rng func() float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	offset := (rng()*2 - 1) * frac * float64(d)
	return d + time.Duration(offset)
}

// backoffWait 实际等待时长：抖动后仍不超过配置上限
func backoffWait(delay, max time.Duration, frac float64, rng func() float64) time.Duration {
	jittered := withJitter(delay, frac, rng)
	if max > 0 && jittered > max {
		jittered = max
	}
	return jittered
}
