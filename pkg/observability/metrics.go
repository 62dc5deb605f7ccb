package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- 指标定义 ---
// 使用 promauto 自动注册
var (
	// 各房间收到的归一化事件数
	eventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Total number of normalized live events received.",
		},
		[]string{"room", "platform", "type"},
	)
	// 过滤/采样/投递失败等原因丢弃的事件数
	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Total number of live events dropped before delivery.",
		},
		[]string{"room", "reason"},
	)
	// 按模式和结果统计的分发次数
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of dispatched events by mode and status.",
		},
		[]string{"mode", "status"},
	)
	// 房间重连次数
	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Total number of reconnect attempts per room.",
		},
		[]string{"room"},
	)
	// 当前活跃的房间监听数
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of room sessions currently running.",
		},
	)
	// 单条事件从出队到分发完成的耗时分布
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Latency of per-event dispatch, including LLM calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

// NewMetricsHandler 返回暴露 Prometheus 指标的 http.Handler
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// --- 记录辅助 ---

func RecordEventReceived(room, platform, eventType string) {
	eventsReceivedTotal.WithLabelValues(room, platform, eventType).Inc()
}

func RecordEventDropped(room, reason string) {
	eventsDroppedTotal.WithLabelValues(room, reason).Inc()
}

func RecordDispatch(mode, status string, elapsed time.Duration) {
	dispatchTotal.WithLabelValues(mode, status).Inc()
	dispatchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func RecordReconnect(room string) {
	reconnectsTotal.WithLabelValues(room).Inc()
}

func SessionStarted() { activeSessions.Inc() }
func SessionStopped() { activeSessions.Dec() }
