package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of open websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of accepted chat messages",
	})
	WsDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_deliveries_total",
		Help: "Live deliveries by kind (echo, relay, dropped)",
	}, []string{"kind"})
	WsHandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_handshake_failures_total",
		Help: "Rejected websocket handshakes by reason",
	}, []string{"reason"})
	WsDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_frames_total",
		Help: "Inbound frames ignored because they were malformed",
	})
	MessageStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_message_store_errors_total",
		Help: "Failed message persistence attempts",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, WsDeliveriesTotal, WsHandshakeFailures,
		WsDroppedFrames, MessageStoreErrors, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
