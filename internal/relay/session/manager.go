package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/configs"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/contextstore"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/pkg/observability"
)

// NATS 控制主题：运行时启停房间监听
const (
	NatsRoomStartSubject = "relay.rooms.start"
	NatsRoomStopSubject  = "relay.rooms.stop"
)

var (
	ErrAlreadyActive = errors.New("room session already active")
	ErrNotActive     = errors.New("room session not active")
)

// Factory 按房间配置装配一个会话
type Factory func(room configs.RoomConfig) (*Session, error)

// Status 一个受管会话的快照
type Status struct {
	RoomID int64 `json:"room_id"`
	State  State `json:"state"`
}

type managedSession struct {
	sess   *Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager 管理多个房间会话的启停
type Manager struct {
	factory Factory
	store   *contextstore.Store
	logger  *zap.Logger

	mu     sync.Mutex
	active map[int64]*managedSession
}

func NewManager(factory Factory, store *contextstore.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory: factory,
		store:   store,
		logger:  logger,
		active:  make(map[int64]*managedSession),
	}
}

// Start 启动一个房间的监听。同一房间重复启动返回 ErrAlreadyActive。
func (m *Manager) Start(ctx context.Context, room configs.RoomConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[room.RoomID]; ok {
		return fmt.Errorf("%w: room %d", ErrAlreadyActive, room.RoomID)
	}

	sess, err := m.factory(room)
	if err != nil {
		return fmt.Errorf("assembling session for room %d: %w", room.RoomID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &managedSession{sess: sess, cancel: cancel, done: make(chan struct{})}
	m.active[room.RoomID] = entry
	observability.SessionStarted()
	m.logger.Info("启动房间监听", zap.Int64("room_id", room.RoomID), zap.String("kind", room.ConnectionKind))

	go func() {
		defer close(entry.done)
		err := sess.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("房间监听退出", zap.Int64("room_id", room.RoomID), zap.Error(err))
		} else {
			m.logger.Info("房间监听结束", zap.Int64("room_id", room.RoomID))
		}
		observability.SessionStopped()
		m.mu.Lock()
		selfRemoved := false
		if cur, ok := m.active[room.RoomID]; ok && cur == entry {
			delete(m.active, room.RoomID)
			selfRemoved = true
		}
		m.mu.Unlock()
		// 终止态（如连续认证失败）自行退出时同样清掉房间上下文，
		// 显式 Stop 的路径由 Stop 负责清理
		if selfRemoved && m.store != nil {
			m.store.ClearRoom(room.RoomID)
		}
	}()
	return nil
}

// Stop 停止一个房间的监听并清空其对话上下文
func (m *Manager) Stop(roomID int64) error {
	m.mu.Lock()
	entry, ok := m.active[roomID]
	if ok {
		delete(m.active, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: room %d", ErrNotActive, roomID)
	}

	entry.cancel()
	select {
	case <-entry.done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("等待房间监听退出超时", zap.Int64("room_id", roomID))
	}
	if m.store != nil {
		m.store.ClearRoom(roomID)
	}
	m.logger.Info("已停止房间监听", zap.Int64("room_id", roomID))
	return nil
}

// StopAll 停止全部监听，进程退出前调用
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotActive) {
			m.logger.Error("停止房间监听失败", zap.Int64("room_id", id), zap.Error(err))
		}
	}
}

// List 返回当前全部会话状态
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.active))
	for id, entry := range m.active {
		out = append(out, Status{RoomID: id, State: entry.sess.State()})
	}
	return out
}

type stopRequest struct {
	RoomID int64 `json:"room_id"`
}

// SubscribeControl 订阅 NATS 控制主题，支持运行时启停房间。
// 返回的函数用于退订。
func (m *Manager) SubscribeControl(ctx context.Context, nc *nats.Conn) (func(), error) {
	startSub, err := nc.Subscribe(NatsRoomStartSubject, func(msg *nats.Msg) {
		var room configs.RoomConfig
		if err := json.Unmarshal(msg.Data, &room); err != nil {
			m.logger.Error("解析房间启动消息失败", zap.Error(err), zap.ByteString("data", msg.Data))
			return
		}
		if err := m.Start(ctx, room); err != nil {
			m.logger.Error("按控制消息启动房间失败", zap.Int64("room_id", room.RoomID), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing %s: %w", NatsRoomStartSubject, err)
	}

	stopSub, err := nc.Subscribe(NatsRoomStopSubject, func(msg *nats.Msg) {
		var req stopRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			m.logger.Error("解析房间停止消息失败", zap.Error(err), zap.ByteString("data", msg.Data))
			return
		}
		if err := m.Stop(req.RoomID); err != nil {
			m.logger.Error("按控制消息停止房间失败", zap.Int64("room_id", req.RoomID), zap.Error(err))
		}
	})
	if err != nil {
		_ = startSub.Unsubscribe()
		return nil, fmt.Errorf("subscribing %s: %w", NatsRoomStopSubject, err)
	}

	m.logger.Info("已订阅房间控制主题",
		zap.String("start", NatsRoomStartSubject),
		zap.String("stop", NatsRoomStopSubject),
	)
	return func() {
		_ = startSub.Unsubscribe()
		_ = stopSub.Unsubscribe()
	}, nil
}
