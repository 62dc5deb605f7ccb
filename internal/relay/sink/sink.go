// Package sink 把处理完的消息投递出去：转发进聊天通道，
// 或回调到外部 HTTP 服务。
package sink

import "context"

// Message 投递载荷。Sender 为稳定发送者标识，Message 为
// 已渲染好的文本 (转发) 或 LLM 回复 (回调)。
type Message struct {
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
}

// Sink 消息出口。Deliver 返回 error 表示本条投递最终失败，
// 调用方记录后继续，不中断房间监听。
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}
