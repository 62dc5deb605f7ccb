package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/pkg/observability"
)

// NatsOutboundSubject 宿主机器人框架订阅的出站消息主题
const NatsOutboundSubject = "astrbot.message.outbound"

// Messenger 向单个会话通道发送一条文本
type Messenger interface {
	SendText(ctx context.Context, destination, text string) error
}

// ChatSink 把消息转发到配置的全部会话通道。
// 任一通道失败不阻止其余通道，最后汇总报错。
type ChatSink struct {
	messenger    Messenger
	destinations []string
	logger       *zap.Logger
}

func NewChatSink(messenger Messenger, destinations []string, logger *zap.Logger) *ChatSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatSink{messenger: messenger, destinations: destinations, logger: logger}
}

func (s *ChatSink) Deliver(ctx context.Context, msg Message) error {
	var failed int
	for _, dest := range s.destinations {
		if err := s.messenger.SendText(ctx, dest, msg.Message); err != nil {
			failed++
			s.logger.Error("转发消息到会话通道失败",
				zap.String("destination", dest),
				zap.Error(err),
			)
		}
	}
	if failed == len(s.destinations) && len(s.destinations) > 0 {
		return fmt.Errorf("all %d destinations failed", failed)
	}
	return nil
}

// outboundMessage NATS 出站载荷
type outboundMessage struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

// NATSMessenger 经 NATS 把文本交给宿主机器人框架发送
type NATSMessenger struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSMessenger(conn *nats.Conn, logger *zap.Logger) *NATSMessenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSMessenger{conn: conn, logger: logger}
}

func (m *NATSMessenger) SendText(ctx context.Context, destination, text string) error {
	payload, err := json.Marshal(outboundMessage{
		Destination: destination,
		Message:     text,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}
	msg := nats.NewMsg(NatsOutboundSubject)
	msg.Data = payload
	// 追踪上下文随消息头传给宿主框架
	for k, v := range observability.InjectNATSHeaders(ctx) {
		msg.Header.Set(k, v)
	}
	if err := m.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", NatsOutboundSubject, err)
	}
	m.logger.Debug("已发布出站消息",
		zap.String("subject", NatsOutboundSubject),
		zap.String("destination", destination),
	)
	return nil
}
