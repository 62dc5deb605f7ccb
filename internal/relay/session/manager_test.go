package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/configs"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/connection"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/contextstore"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/dispatch"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/normalizer"
)

func testFactory(t *testing.T) Factory {
	t.Helper()
	return func(room configs.RoomConfig) (*Session, error) {
		d, err := dispatch.New(dispatch.ModeForwardOnly, nil, nil, &sinkRecorder{}, time.Second, nil)
		if err != nil {
			return nil, err
		}
		return New(Config{
			RoomID: room.RoomID,
			Conn:   &fakeConn{},
			Normalize: func(raw []byte) (*event.LiveEvent, error) {
				return normalizer.FromWebCommand(room.RoomID, raw)
			},
			Dispatcher:  d,
			BackoffBase: time.Millisecond,
		})
	}
}

func waitForActive(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.List()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active sessions = %d, want %d", len(m.List()), want)
}

func TestManagerStartStop(t *testing.T) {
	store := contextstore.New(5)
	m := NewManager(testFactory(t), store, nil)
	ctx := context.Background()

	if err := m.Start(ctx, configs.RoomConfig{RoomID: 1000}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForActive(t, m, 1)

	if err := m.Start(ctx, configs.RoomConfig{RoomID: 1000}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("duplicate Start() error = %v, want ErrAlreadyActive", err)
	}

	// 监听期间产生的上下文应随停止被清掉
	store.Append(1000, "u1", contextstore.RoleUser, "hello")

	if err := m.Stop(1000); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := store.History(1000, "u1"); got != nil {
		t.Error("room context should be cleared on stop")
	}
	if err := m.Stop(1000); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Stop() error = %v, want ErrNotActive", err)
	}
}

func TestManagerListReflectsSessions(t *testing.T) {
	m := NewManager(testFactory(t), contextstore.New(5), nil)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := m.Start(ctx, configs.RoomConfig{RoomID: id}); err != nil {
			t.Fatal(err)
		}
	}
	waitForActive(t, m, 3)

	seen := map[int64]bool{}
	for _, st := range m.List() {
		seen[st.RoomID] = true
	}
	for _, id := range []int64{1, 2, 3} {
		if !seen[id] {
			t.Errorf("room %d missing from List()", id)
		}
	}

	m.StopAll()
	if got := len(m.List()); got != 0 {
		t.Errorf("after StopAll, active = %d", got)
	}
}

func TestManagerClearsContextWhenSessionFails(t *testing.T) {
	store := contextstore.New(5)
	factory := func(room configs.RoomConfig) (*Session, error) {
		d, err := dispatch.New(dispatch.ModeForwardOnly, nil, nil, &sinkRecorder{}, time.Second, nil)
		if err != nil {
			return nil, err
		}
		return New(Config{
			RoomID: room.RoomID,
			Conn: &fakeConn{dialErrs: []error{
				connection.ErrAuthRejected, connection.ErrAuthRejected, connection.ErrAuthRejected,
			}},
			Normalize: func(raw []byte) (*event.LiveEvent, error) {
				return normalizer.FromWebCommand(room.RoomID, raw)
			},
			Dispatcher:  d,
			BackoffBase: time.Millisecond,
		})
	}
	m := NewManager(factory, store, nil)

	store.Append(77, "u1", contextstore.RoleUser, "hello")
	if err := m.Start(context.Background(), configs.RoomConfig{RoomID: 77}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 连续认证失败后会话自行退出并清理上下文
	waitForActive(t, m, 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.History(77, "u1") == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("failed session should clear its room context")
}

func TestManagerFactoryError(t *testing.T) {
	m := NewManager(func(configs.RoomConfig) (*Session, error) {
		return nil, errors.New("bad credentials")
	}, nil, nil)
	if err := m.Start(context.Background(), configs.RoomConfig{RoomID: 7}); err == nil {
		t.Error("factory error must propagate")
	}
	if len(m.List()) != 0 {
		t.Error("failed start must not register a session")
	}
}
