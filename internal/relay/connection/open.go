package connection

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	openAPIBase      = "https://live-open.biliapi.com"
	openAppStartPath = "/v2/app/start"
	openAppBeatPath  = "/v2/app/heartbeat"
	openAppEndPath   = "/v2/app/end"

	// 开放平台要求项目心跳 20s 一次，ws 心跳跟随同一节奏
	openHeartbeatInterval = 20 * time.Second
)

// OpenLiveConfig 开放平台连接参数
type OpenLiveConfig struct {
	AccessKeyID       string
	AccessKeySecret   string
	AppID             int64
	RoomOwnerAuthCode string // 主播身份码
	Logger            *zap.Logger
}

// OpenLiveConnection 以开放平台项目身份连接。Dial 开启一次
// 项目会话 (game_id)，Close 结束会话。
type OpenLiveConnection struct {
	cfg    OpenLiveConfig
	logger *zap.Logger
	client *http.Client

	gameID   string
	wssLinks []string
	authBody string
	attempts int

	sess *wsSession
}

func NewOpenLive(cfg OpenLiveConfig) *OpenLiveConnection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int64("open_app_id", cfg.AppID))
	return &OpenLiveConnection{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *OpenLiveConnection) HeartbeatInterval() time.Duration { return openHeartbeatInterval }

type appStartData struct {
	GameInfo struct {
		GameID string `json:"game_id"`
	} `json:"game_info"`
	WebsocketInfo struct {
		AuthBody string   `json:"auth_body"`
		WssLink  []string `json:"wss_link"`
	} `json:"websocket_info"`
}

func (c *OpenLiveConnection) Dial(ctx context.Context) error {
	var data appStartData
	err := c.callOpenAPI(ctx, openAppStartPath, map[string]interface{}{
		"code":   c.cfg.RoomOwnerAuthCode,
		"app_id": c.cfg.AppID,
	}, &data)
	if err != nil {
		return fmt.Errorf("app start: %w", err)
	}
	if data.GameInfo.GameID == "" || len(data.WebsocketInfo.WssLink) == 0 {
		return fmt.Errorf("app start returned empty game_id or wss_link")
	}
	c.gameID = data.GameInfo.GameID
	c.wssLinks = data.WebsocketInfo.WssLink
	c.authBody = data.WebsocketInfo.AuthBody

	wsURL := c.wssLinks[c.attempts%len(c.wssLinks)]
	c.attempts++

	sess, err := dialWebsocket(ctx, wsURL, c.logger)
	if err != nil {
		c.endApp()
		return err
	}
	if err := sess.sendPacket(opUserAuth, []byte(c.authBody)); err != nil {
		_ = sess.close()
		c.endApp()
		return fmt.Errorf("sending auth packet: %w", err)
	}
	if err := sess.awaitAuthReply(authTimeout); err != nil {
		_ = sess.close()
		c.endApp()
		return err
	}
	c.logger.Info("开放平台认证成功", zap.String("game_id", c.gameID))
	c.sess = sess
	return nil
}

func (c *OpenLiveConnection) ReadCommand(ctx context.Context) ([]byte, error) {
	return c.sess.readCommand(ctx)
}

// SendHeartbeat ws 心跳和项目心跳一并发送，项目心跳断供
// 20 秒后服务端会主动结束 game 会话
func (c *OpenLiveConnection) SendHeartbeat() error {
	if err := c.sess.sendPacket(opHeartbeat, nil); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.callOpenAPI(ctx, openAppBeatPath, map[string]interface{}{"game_id": c.gameID}, nil); err != nil {
		return fmt.Errorf("app heartbeat: %w", err)
	}
	return nil
}

func (c *OpenLiveConnection) Close() error {
	var err error
	if c.sess != nil {
		err = c.sess.close()
		c.sess = nil
	}
	c.endApp()
	return err
}

func (c *OpenLiveConnection) endApp() {
	if c.gameID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.callOpenAPI(ctx, openAppEndPath, map[string]interface{}{
		"app_id":  c.cfg.AppID,
		"game_id": c.gameID,
	}, nil); err != nil {
		c.logger.Warn("结束开放平台会话失败", zap.Error(err), zap.String("game_id", c.gameID))
	}
	c.gameID = ""
}

type openAPIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// callOpenAPI 按开放平台鉴权规范签名并请求。签名串是全部
// x-bili-* 头按字典序拼成的 "k:v\n" 列表，HMAC-SHA256 后放入
// Authorization 头。
func (c *OpenLiveConnection) callOpenAPI(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	bodySum := md5.Sum(body)
	headers := map[string]string{
		"x-bili-accesskeyid":       c.cfg.AccessKeyID,
		"x-bili-content-md5":       hex.EncodeToString(bodySum[:]),
		"x-bili-signature-method":  "HMAC-SHA256",
		"x-bili-signature-nonce":   uuid.NewString(),
		"x-bili-signature-version": "1.0",
		"x-bili-timestamp":         strconv.FormatInt(time.Now().Unix(), 10),
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+":"+headers[k])
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.AccessKeySecret))
	mac.Write([]byte(strings.Join(lines, "\n")))
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAPIBase+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating http request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", signature)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http status %d from %s: %s", resp.StatusCode, path, respBody)
	}

	var apiResp openAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decoding json response: %w", err)
	}
	if apiResp.Code != 0 {
		// 4000+ 为鉴权/身份码类错误，重试无意义
		if apiResp.Code >= 4000 && apiResp.Code < 5000 {
			return fmt.Errorf("%w: api code %d: %s", ErrAuthRejected, apiResp.Code, apiResp.Message)
		}
		return fmt.Errorf("api error code %d: %s", apiResp.Code, apiResp.Message)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("decoding data field: %w", err)
		}
	}
	return nil
}
