// Package llm 对话模型调用。Provider 是上层唯一依赖的接口，
// 生产实现走 OpenAI 兼容的 chat completions 协议。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/contextstore"
)

// Provider 带上下文历史的单轮文本对话
type Provider interface {
	TextChat(ctx context.Context, prompt string, history []contextstore.Turn) (string, error)
}

// Config OpenAI 兼容服务端参数
type Config struct {
	BaseURL      string // 例如 https://api.openai.com/v1
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	Logger       *zap.Logger
}

// OpenAIClient OpenAI 兼容 chat completions 客户端
type OpenAIClient struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client
}

func NewOpenAI(cfg Config) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) TextChat(ctx context.Context, prompt string, history []contextstore.Turn) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: contextstore.RoleUser, Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat api status %d: %s", resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("chat api error: %s (%s)", chatResp.Error.Message, chatResp.Error.Type)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("chat api returned no choices")
	}

	reply := chatResp.Choices[0].Message.Content
	c.logger.Debug("LLM 调用完成",
		zap.String("model", c.cfg.Model),
		zap.Int("history_turns", len(history)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return reply, nil
}
