package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const callbackMaxAttempts = 3

// CallbackConfig 外部回调服务参数。Method 支持 POST (JSON body)
// 和 GET (同名 query 参数)。
type CallbackConfig struct {
	URL     string
	Method  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// CallbackSink 把消息推送给外部 HTTP 服务。非 2xx 视为可恢复
// 失败，立即重试最多 3 次后放弃。
type CallbackSink struct {
	cfg    CallbackConfig
	logger *zap.Logger
	client *http.Client
}

func NewCallback(cfg CallbackConfig) (*CallbackSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("callback url is required")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodGet {
		return nil, fmt.Errorf("unsupported callback method %q", cfg.Method)
	}
	cfg.Method = method
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackSink{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (s *CallbackSink) Deliver(ctx context.Context, msg Message) error {
	var lastErr error
	for attempt := 1; attempt <= callbackMaxAttempts; attempt++ {
		if err := s.deliverOnce(ctx, msg); err != nil {
			lastErr = err
			s.logger.Warn("回调投递失败",
				zap.Int("attempt", attempt),
				zap.String("url", s.cfg.URL),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("callback failed after %d attempts: %w", callbackMaxAttempts, lastErr)
}

func (s *CallbackSink) deliverOnce(ctx context.Context, msg Message) error {
	var req *http.Request
	var err error
	if s.cfg.Method == http.MethodGet {
		params := url.Values{
			"sender":      {msg.Sender},
			"sender_name": {msg.SenderName},
			"message":     {msg.Message},
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"?"+params.Encode(), nil)
	} else {
		var body []byte
		body, err = json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling callback body: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return fmt.Errorf("creating callback request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
