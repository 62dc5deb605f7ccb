package connection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	navURL       = "https://api.bilibili.com/x/web-interface/nav"
	roomInitURL  = "https://api.live.bilibili.com/room/v1/Room/get_info"
	danmuConfURL = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

	webHeartbeatInterval = 30 * time.Second
)

// getDanmuInfo 参数的 wbi 签名打乱表
var mixinKeyEncTab = []int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

// 服务器列表获取失败时的降级地址
var defaultDanmuHosts = []danmuHost{
	{Host: "broadcastlv.chat.bilibili.com", Port: 2243, WssPort: 443, WsPort: 2244},
}

type danmuHost struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WssPort int    `json:"wss_port"`
	WsPort  int    `json:"ws_port"`
}

type danmuConfData struct {
	Token    string      `json:"token"`
	HostList []danmuHost `json:"host_list"`
}

// WebConfig web 端连接参数。Cookie 为浏览器形式的整串
// cookie，例如 "SESSDATA=xxx; buvid3=yyy; DedeUserID=zzz"。
type WebConfig struct {
	RoomID int64
	Cookie string
	Logger *zap.Logger
}

// WebConnection 以登录用户 (或游客) 身份连接 web 端弹幕服务器
type WebConnection struct {
	cfg    WebConfig
	logger *zap.Logger
	client *http.Client

	uid      int64
	buvid    string
	roomID   int64 // 真实房间号，短号在 Dial 时解析
	attempts int

	sess *wsSession
}

func NewWeb(cfg WebConfig) *WebConnection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int64("bili_room_id", cfg.RoomID))
	return &WebConnection{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Jar:     cookieJarFromString(cfg.Cookie),
			Timeout: 10 * time.Second,
		},
		roomID: cfg.RoomID,
	}
}

func (c *WebConnection) HeartbeatInterval() time.Duration { return webHeartbeatInterval }

func (c *WebConnection) Dial(ctx context.Context) error {
	c.uid = parseUIDFromCookie(c.cfg.Cookie)
	c.buvid = cookieField(c.cfg.Cookie, "buvid3")
	if c.buvid == "" {
		c.logger.Warn("Cookie 缺少 buvid3，认证可能被降级")
	}

	if realID, err := c.resolveRoomID(ctx); err != nil {
		c.logger.Warn("解析真实房间号失败，按原样使用", zap.Error(err))
	} else {
		c.roomID = realID
	}

	conf, err := c.fetchDanmuInfo(ctx)
	if err != nil {
		c.logger.Warn("获取弹幕服务器配置失败，使用默认服务器", zap.Error(err))
		conf = &danmuConfData{HostList: defaultDanmuHosts}
	}
	if len(conf.HostList) == 0 {
		conf.HostList = defaultDanmuHosts
	}

	// 按重试次数轮换服务器做故障转移
	host := conf.HostList[c.attempts%len(conf.HostList)]
	c.attempts++
	wsURL := fmt.Sprintf("wss://%s:%d/sub", host.Host, host.WssPort)

	sess, err := dialWebsocket(ctx, wsURL, c.logger)
	if err != nil {
		return err
	}

	authBody, _ := json.Marshal(map[string]interface{}{
		"uid":      c.uid,
		"roomid":   c.roomID,
		"protover": 3,
		"platform": "web",
		"type":     2,
		"buvid":    c.buvid,
		"key":      conf.Token,
	})
	if err := sess.sendPacket(opUserAuth, authBody); err != nil {
		_ = sess.close()
		return fmt.Errorf("sending auth packet: %w", err)
	}
	if err := sess.awaitAuthReply(authTimeout); err != nil {
		_ = sess.close()
		return err
	}
	c.logger.Info("弹幕服务器认证成功", zap.Int64("uid", c.uid), zap.Int64("real_room_id", c.roomID))
	c.sess = sess
	return nil
}

func (c *WebConnection) ReadCommand(ctx context.Context) ([]byte, error) {
	return c.sess.readCommand(ctx)
}

func (c *WebConnection) SendHeartbeat() error {
	return c.sess.sendPacket(opHeartbeat, []byte("[]"))
}

func (c *WebConnection) Close() error {
	if c.sess == nil {
		return nil
	}
	return c.sess.close()
}

// resolveRoomID 短号换真实房间号
func (c *WebConnection) resolveRoomID(ctx context.Context) (int64, error) {
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RoomID int64 `json:"room_id"`
		} `json:"data"`
	}
	params := url.Values{"room_id": {strconv.FormatInt(c.cfg.RoomID, 10)}}
	if err := c.getJSON(ctx, roomInitURL, params, &resp); err != nil {
		return 0, err
	}
	if resp.Code != 0 {
		return 0, fmt.Errorf("room init api error code %d: %s", resp.Code, resp.Message)
	}
	if resp.Data.RoomID == 0 {
		return 0, fmt.Errorf("room init api returned empty room_id")
	}
	return resp.Data.RoomID, nil
}

// fetchDanmuInfo 获取弹幕服务器列表和认证 token，参数需 wbi 签名
func (c *WebConnection) fetchDanmuInfo(ctx context.Context) (*danmuConfData, error) {
	params := url.Values{
		"id":   {strconv.FormatInt(c.roomID, 10)},
		"type": {"0"},
	}
	if imgKey, subKey, err := c.fetchWbiKeys(ctx); err != nil {
		// 签名失败仍按原始参数请求
		c.logger.Warn("获取 wbi key 失败，按未签名参数请求", zap.Error(err))
	} else {
		params = signWbiParams(params, wbiMixinKey(imgKey+subKey), time.Now())
	}

	var resp struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Data    danmuConfData `json:"data"`
	}
	if err := c.getJSON(ctx, danmuConfURL, params, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("danmu conf api error code %d: %s", resp.Code, resp.Message)
	}
	return &resp.Data, nil
}

func (c *WebConnection) fetchWbiKeys(ctx context.Context) (imgKey, subKey string, err error) {
	var resp struct {
		Data struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, navURL, nil, &resp); err != nil {
		return "", "", err
	}
	imgKey = wbiKeyFromURL(resp.Data.WbiImg.ImgURL)
	subKey = wbiKeyFromURL(resp.Data.WbiImg.SubURL)
	if imgKey == "" || subKey == "" {
		return "", "", fmt.Errorf("nav api returned empty wbi keys")
	}
	return imgKey, subKey, nil
}

func (c *WebConnection) getJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) error {
	reqURL := rawURL
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating http request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", fmt.Sprintf("https://live.bilibili.com/%d", c.cfg.RoomID))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http status %d from %s: %s", resp.StatusCode, rawURL, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response: %w", err)
	}
	return nil
}

// --- cookie 辅助 ---

func cookieJarFromString(cookieStr string) http.CookieJar {
	jar, _ := cookiejar.New(nil)
	if cookieStr == "" {
		return jar
	}
	var cookies []*http.Cookie
	for _, part := range strings.Split(cookieStr, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 {
			cookies = append(cookies, &http.Cookie{Name: kv[0], Value: kv[1]})
		}
	}
	for _, domain := range []string{"https://api.bilibili.com", "https://api.live.bilibili.com"} {
		u, _ := url.Parse(domain)
		jar.SetCookies(u, cookies)
	}
	return jar
}

func cookieField(cookieStr, name string) string {
	for _, part := range strings.Split(cookieStr, ";") {
		trimmed := strings.TrimSpace(part)
		if strings.HasPrefix(trimmed, name+"=") {
			return strings.TrimPrefix(trimmed, name+"=")
		}
	}
	return ""
}

// parseUIDFromCookie 从 DedeUserID 解析登录用户 UID，游客为 0
func parseUIDFromCookie(cookieStr string) int64 {
	value := cookieField(cookieStr, "DedeUserID")
	if value == "" {
		return 0
	}
	uid, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return uid
}

// --- wbi 签名 ---

// wbiMixinKey 对 imgKey+subKey 按打乱表重排，取前 32 位
func wbiMixinKey(raw string) string {
	var b strings.Builder
	for _, idx := range mixinKeyEncTab {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// signWbiParams 添加 wts 并计算 w_rid。value 中的 "!'()*" 字符参与签名前被过滤
func signWbiParams(params url.Values, mixinKey string, now time.Time) url.Values {
	signed := url.Values{}
	for key, vals := range params {
		if len(vals) == 0 {
			continue
		}
		signed.Set(key, stripWbiChars(vals[0]))
	}
	signed.Set("wts", strconv.FormatInt(now.Unix(), 10))
	// url.Values.Encode 本身按 key 排序
	sum := md5.Sum([]byte(signed.Encode() + mixinKey))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed
}

func stripWbiChars(v string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune("!'()*", r) {
			return -1
		}
		return r
	}, v)
}

func wbiKeyFromURL(rawURL string) string {
	base := path.Base(rawURL)
	return strings.TrimSuffix(base, path.Ext(base))
}
