// Package contextstore 维护每个 (房间, 发送者) 的对话历史，
// 供 LLM 模式携带上下文。容量按轮数先进先出淘汰。
package contextstore

import "sync"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn 一条历史记录
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type key struct {
	roomID   int64
	senderID string
}

// entry 单个会话的历史，自带锁，不同 key 互不阻塞
type entry struct {
	mu    sync.Mutex
	turns []Turn
}

// Store 并发安全的对话历史仓库。
// maxTurns 为单会话保留的最大条数 (user/assistant 各算一条)。
type Store struct {
	mu       sync.RWMutex
	entries  map[key]*entry
	maxTurns int
}

// New windowSize 为对话窗口轮数，一轮是一问一答两条
func New(windowSize int) *Store {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &Store{
		entries:  make(map[key]*entry),
		maxTurns: windowSize * 2,
	}
}

func (s *Store) get(k key) *entry {
	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[k]; ok {
		return e
	}
	e = &entry{}
	s.entries[k] = e
	return e
}

// Append 追加一条记录，超出容量时淘汰最旧的
func (s *Store) Append(roomID int64, senderID, role, content string) {
	e := s.get(key{roomID: roomID, senderID: senderID})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, Turn{Role: role, Content: content})
	if over := len(e.turns) - s.maxTurns; over > 0 {
		e.turns = append([]Turn(nil), e.turns[over:]...)
	}
}

// History 返回历史快照，调用方可自由修改
func (s *Store) History(roomID int64, senderID string) []Turn {
	s.mu.RLock()
	e, ok := s.entries[key{roomID: roomID, senderID: senderID}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// ClearRoom 清空一个房间的全部会话，监听停止时调用
func (s *Store) ClearRoom(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.roomID == roomID {
			delete(s.entries, k)
		}
	}
}
