// Package connection 维护到直播服务器的 websocket 连接。
// 两种方言 (web 端 / 开放平台) 共用同一套二进制分包协议，
// 认证握手和心跳各自不同，对上层统一暴露 Connection 接口。
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrAuthRejected 服务端明确拒绝认证，重试无意义
var ErrAuthRejected = errors.New("authentication rejected")

const (
	// 超过该窗口未收到任何帧（含心跳回应）视为连接死亡
	readGrace    = 60 * time.Second
	writeTimeout = 15 * time.Second
	authTimeout  = 10 * time.Second
)

// Connection 一条到直播服务器的会话连接。
// ReadCommand 每次返回一条业务 JSON，压缩批次在内部展开。
type Connection interface {
	Dial(ctx context.Context) error
	ReadCommand(ctx context.Context) ([]byte, error)
	SendHeartbeat() error
	HeartbeatInterval() time.Duration
	Close() error
}

// wsSession 两种方言共享的 websocket 读写逻辑
type wsSession struct {
	conn       *websocket.Conn
	pending    [][]byte
	popularity int64
	logger     *zap.Logger
}

func dialWebsocket(ctx context.Context, wsURL string, logger *zap.Logger) (*wsSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket %s: %w", wsURL, err)
	}
	logger.Info("WebSocket 连接成功", zap.String("url", wsURL))
	return &wsSession{conn: conn, logger: logger}, nil
}

func (s *wsSession) sendPacket(op uint32, body []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := s.conn.WriteMessage(websocket.BinaryMessage, encodePacket(op, body))
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

type authReplyBody struct {
	Code int `json:"code"`
}

// awaitAuthReply 等待 op 8 认证回应。期间到达的业务包先入队，
// 不丢弃认证完成前服务端推送的消息。
func (s *wsSession) awaitAuthReply(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(deadline)
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading auth reply: %w", err)
		}
		pkts, err := flattenFrame(data)
		if err != nil {
			s.logger.Warn("认证期间收到无法解析的帧", zap.Error(err))
			continue
		}
		authOK := false
		for _, p := range pkts {
			switch p.op {
			case opConnectSuccess:
				var reply authReplyBody
				// 回应体可能为空，空视为成功
				if len(p.body) > 0 && json.Unmarshal(p.body, &reply) == nil && reply.Code != 0 {
					return fmt.Errorf("%w: code %d", ErrAuthRejected, reply.Code)
				}
				authOK = true
			case opMessage:
				s.pending = append(s.pending, p.body)
			}
		}
		if authOK {
			s.conn.SetReadDeadline(time.Time{})
			return nil
		}
	}
	return errors.New("auth reply not received before deadline")
}

// watchCancel ctx 取消时关闭底层连接，唤醒阻塞中的读。
// 返回的函数在读完成后调用以结束监视。
func (s *wsSession) watchCancel(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// readCommand 返回下一条业务 JSON。ctx 取消通过关闭连接感知，
// 每次读之间也会检查一次。
func (s *wsSession) readCommand(ctx context.Context) ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			cmd := s.pending[0]
			s.pending = s.pending[1:]
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readGrace))
		stop := s.watchCancel(ctx)
		_, data, err := s.conn.ReadMessage()
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, fmt.Errorf("no frame within %s: %w", readGrace, err)
			}
			return nil, fmt.Errorf("reading websocket message: %w", err)
		}

		pkts, err := flattenFrame(data)
		if err != nil {
			s.logger.Warn("丢弃无法解析的帧", zap.Error(err), zap.Int("len", len(data)))
			continue
		}
		for _, p := range pkts {
			switch p.op {
			case opHeartbeatReply:
				if v, ok := popularity(p.body); ok {
					s.popularity = v
					s.logger.Debug("收到心跳回应", zap.Int64("popularity", v))
				}
			case opMessage:
				s.pending = append(s.pending, p.body)
			default:
				s.logger.Debug("忽略未知操作码", zap.Uint32("op", p.op))
			}
		}
	}
}

func (s *wsSession) close() error {
	return s.conn.Close()
}
