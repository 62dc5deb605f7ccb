package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/configs"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/connection"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/contextstore"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/dispatch"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/llm"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/normalizer"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sampler"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/session"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/sink"
	p "github.com/LokmenoWer/astrbot-plugin-bilibili-live/pkg/log"
	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/pkg/observability"
)

const serviceName = "bilibili-live-relay"

func main() {
	// --- 配置加载 ---
	configPath := flag.String("config", "./configs", "配置文件路径")
	flag.Parse()
	cfg, err := configs.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	logger := p.Init_Logger(serviceName, ".")
	if logger == nil {
		log.Fatal("日志初始化失败")
	}
	defer logger.Sync()
	logger.Info("Bilibili 直播消息中继正在启动...")

	// --- 初始化 TracerProvider ---
	tpShutdown, err := observability.InitTracerProvider(serviceName)
	if err != nil {
		logger.Fatal("初始化 TracerProvider 失败", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tpShutdown(shutdownCtx)
	}()

	// --- NATS ---
	natsConn, err := nats.Connect(cfg.Nats.URL)
	if err != nil {
		logger.Fatal("无法连接到 NATS", zap.Error(err))
	}
	defer natsConn.Close()
	logger.Info("成功连接到 NATS", zap.String("url", cfg.Nats.URL))

	// --- 指标 HTTP 服务 ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observability.NewMetricsHandler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.HttpPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("指标服务已启动", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("指标服务异常退出", zap.Error(err))
		}
	}()

	// --- 组装共享组件 ---
	store := contextstore.New(cfg.Relay.ContextWindowSize)

	var provider llm.Provider
	globalMode, err := dispatch.ParseMode(cfg.Relay.Mode)
	if err != nil {
		logger.Fatal("工作模式配置无效", zap.String("mode", cfg.Relay.Mode), zap.Error(err))
	}
	if needsLLM(cfg, globalMode) {
		provider = llm.NewOpenAI(llm.Config{
			BaseURL:      cfg.LLM.BaseURL,
			APIKey:       cfg.LLM.APIKey,
			Model:        cfg.LLM.Model,
			SystemPrompt: cfg.LLM.SystemPrompt,
			Timeout:      time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			Logger:       logger,
		})
	}

	allowTypes, err := parseAllowTypes(cfg.Relay.AllowTypes)
	if err != nil {
		logger.Fatal("allow_types 配置无效", zap.Error(err))
	}
	smp := buildSampler(cfg.Relay.Drop)
	throttle := time.Duration(cfg.Relay.ThrottleMs) * time.Millisecond
	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	factory := func(room configs.RoomConfig) (*session.Session, error) {
		mode := globalMode
		if room.Mode != "" {
			var err error
			if mode, err = dispatch.ParseMode(room.Mode); err != nil {
				return nil, err
			}
		}

		out, err := buildSink(cfg, mode, natsConn, logger)
		if err != nil {
			return nil, err
		}
		d, err := dispatch.New(mode, provider, store, out, llmTimeout, logger)
		if err != nil {
			return nil, err
		}

		var conn connection.Connection
		var normalize func(raw []byte) (*event.LiveEvent, error)
		switch room.ConnectionKind {
		case "web", "":
			conn = connection.NewWeb(connection.WebConfig{
				RoomID: room.RoomID,
				Cookie: room.Cookie,
				Logger: logger,
			})
			roomID := room.RoomID
			normalize = func(raw []byte) (*event.LiveEvent, error) {
				return normalizer.FromWebCommand(roomID, raw)
			}
		case "open_platform":
			conn = connection.NewOpenLive(connection.OpenLiveConfig{
				AccessKeyID:       room.OpenLive.AccessKeyID,
				AccessKeySecret:   room.OpenLive.AccessKeySecret,
				AppID:             room.OpenLive.AppID,
				RoomOwnerAuthCode: room.OpenLive.RoomOwnerAuthCode,
				Logger:            logger,
			})
			normalize = normalizer.FromOpenLiveCommand
		default:
			return nil, fmt.Errorf("unknown connection_kind %q for room %d", room.ConnectionKind, room.RoomID)
		}

		return session.New(session.Config{
			RoomID:       room.RoomID,
			Conn:         conn,
			Normalize:    normalize,
			AllowTypes:   allowTypes,
			GiftMinValue: cfg.Relay.GiftMinValue,
			Throttle:     throttle,
			Sampler:      smp,
			Dispatcher:   d,
			Logger:       logger,
		})
	}

	manager := session.NewManager(factory, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 启动静态配置的房间 ---
	for _, room := range cfg.Relay.Rooms {
		if err := manager.Start(ctx, room); err != nil {
			logger.Error("启动房间监听失败", zap.Int64("room_id", room.RoomID), zap.Error(err))
		}
	}

	// --- 订阅运行时控制主题 ---
	unsubscribe, err := manager.SubscribeControl(ctx, natsConn)
	if err != nil {
		logger.Fatal("订阅控制主题失败", zap.Error(err))
	}
	defer unsubscribe()

	// --- 优雅关闭处理 ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("收到关闭信号，开始优雅关闭...")

	cancel()
	manager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭指标服务失败", zap.Error(err))
	}

	logger.Info("Bilibili 直播消息中继已关闭")
}

// needsLLM 全局或任一房间使用 LLM 模式时需要初始化 Provider
func needsLLM(cfg configs.Config, globalMode dispatch.Mode) bool {
	if globalMode != dispatch.ModeForwardOnly {
		return true
	}
	for _, room := range cfg.Relay.Rooms {
		if room.Mode == "" {
			continue
		}
		if mode, err := dispatch.ParseMode(room.Mode); err == nil && mode != dispatch.ModeForwardOnly {
			return true
		}
	}
	return false
}

func parseAllowTypes(names []string) (map[event.Type]bool, error) {
	out := make(map[event.Type]bool, len(names))
	for _, name := range names {
		t := event.Type(name)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		out[t] = true
	}
	return out, nil
}

func buildSampler(cfg configs.DropConfig) *sampler.Sampler {
	if !cfg.Enable {
		return sampler.New(nil, nil)
	}
	rates := make(map[event.Type]float64, len(cfg.Rates))
	for name, rate := range cfg.Rates {
		rates[event.Type(name)] = rate
	}
	return sampler.New(rates, nil)
}

func buildSink(cfg configs.Config, mode dispatch.Mode, natsConn *nats.Conn, logger *zap.Logger) (sink.Sink, error) {
	if mode == dispatch.ModeLLMCallback {
		return sink.NewCallback(sink.CallbackConfig{
			URL:    cfg.Relay.Callback.URL,
			Method: cfg.Relay.Callback.Method,
			Logger: logger,
		})
	}
	messenger := sink.NewNATSMessenger(natsConn, logger)
	return sink.NewChatSink(messenger, cfg.Relay.ForwardDestinations, logger), nil
}
