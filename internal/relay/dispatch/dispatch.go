// Package dispatch 按工作模式决定一条事件的去向：
// 原样转发、LLM 对话后转发、或 LLM 对话后回调外部服务。
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/contextstore"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/llm"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sink"
)

// Mode 工作模式
type Mode string

const (
	ModeForwardOnly Mode = "forward_only"
	ModeLLMForward  Mode = "llm_forward"
	ModeLLMCallback Mode = "llm_callback"
)

// ParseMode 解析模式名，兼容旧配置里的别名
func ParseMode(s string) (Mode, error) {
	switch s {
	case "forward_only":
		return ModeForwardOnly, nil
	case "llm_forward", "llm_chat_forward":
		return ModeLLMForward, nil
	case "llm_callback", "llm_chat_callback":
		return ModeLLMCallback, nil
	default:
		return "", fmt.Errorf("unknown work mode %q", s)
	}
}

// Status 单条事件的处理结果
type Status string

const (
	StatusOK Status = "ok"
	// LLM 不可用时退化为转发原文
	StatusDegraded Status = "degraded"
)

// Dispatcher 把归一化事件按模式送出。LLM 模式下同时维护
// (房间, 发送者) 的对话上下文。
type Dispatcher struct {
	mode       Mode
	provider   llm.Provider
	store      *contextstore.Store
	sink       sink.Sink
	llmTimeout time.Duration
	logger     *zap.Logger
}

func New(mode Mode, provider llm.Provider, store *contextstore.Store, out sink.Sink, llmTimeout time.Duration, logger *zap.Logger) (*Dispatcher, error) {
	if out == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if mode != ModeForwardOnly {
		if provider == nil {
			return nil, fmt.Errorf("mode %s requires an llm provider", mode)
		}
		if store == nil {
			return nil, fmt.Errorf("mode %s requires a context store", mode)
		}
	}
	if llmTimeout <= 0 {
		llmTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		mode:       mode,
		provider:   provider,
		store:      store,
		sink:       out,
		llmTimeout: llmTimeout,
		logger:     logger,
	}, nil
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Dispatch 处理一条事件。返回的 error 表示投递失败，
// 调用方记录后继续处理后续事件。
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.LiveEvent) (Status, error) {
	rendered := ev.RenderText()
	msg := sink.Message{
		Sender:     ev.SenderID(),
		SenderName: ev.UserName,
		Message:    rendered,
	}

	if d.mode == ModeForwardOnly {
		return StatusOK, d.sink.Deliver(ctx, msg)
	}

	reply, err := d.chat(ctx, ev.RoomID, msg.Sender, rendered)
	if err != nil {
		// LLM 故障不阻断消息流，退化为转发原文
		d.logger.Warn("LLM 调用失败，退化为转发原文",
			zap.Int64("room_id", ev.RoomID),
			zap.String("sender", msg.Sender),
			zap.Error(err),
		)
		return StatusDegraded, d.sink.Deliver(ctx, msg)
	}

	msg.Message = reply
	return StatusOK, d.sink.Deliver(ctx, msg)
}

// chat 携带历史调用 LLM，成功后把本轮问答写回上下文
func (d *Dispatcher) chat(ctx context.Context, roomID int64, sender, prompt string) (string, error) {
	chatCtx, cancel := context.WithTimeout(ctx, d.llmTimeout)
	defer cancel()

	history := d.store.History(roomID, sender)
	reply, err := d.provider.TextChat(chatCtx, prompt, history)
	if err != nil {
		return "", err
	}
	d.store.Append(roomID, sender, contextstore.RoleUser, prompt)
	d.store.Append(roomID, sender, contextstore.RoleAssistant, reply)
	return reply, nil
}
