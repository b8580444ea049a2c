// Package metrics 提供 Prometheus 指标收集
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 指标收集器
//
// 所有 Record 方法对 nil 接收者安全，测试中可直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	// 事件指标
	eventsNormalized   *prometheus.CounterVec
	eventsUnrecognized *prometheus.CounterVec
	subscriberDrops    prometheus.Counter

	// 通话指标
	callTransitions *prometheus.CounterVec
	activeCalls     prometheus.Gauge

	// 媒体指标
	mediaFrames     *prometheus.CounterVec
	mediaRejections *prometheus.CounterVec

	// 运营商指标
	providerRequests        *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，指标注册在独立的 Registry 上
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.eventsNormalized = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_normalized_total",
			Help:      "Total number of normalized carrier events",
		},
		[]string{"provider", "kind"},
	)

	c.eventsUnrecognized = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unrecognized_total",
			Help:      "Total number of carrier payloads that matched no event mapping",
		},
		[]string{"provider"},
	)

	c.subscriberDrops = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Total number of events dropped because a subscriber was not keeping up",
		},
	)

	c.callTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Total number of call state transitions",
		},
		[]string{"from", "to"},
	)

	c.activeCalls = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls that have not reached a terminal state",
		},
	)

	c.mediaFrames = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Total number of relayed audio frames",
		},
		[]string{"direction"},
	)

	c.mediaRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_rejections_total",
			Help:      "Total number of rejected media transport connections",
		},
		[]string{"code"},
	)

	c.providerRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of outbound carrier requests",
		},
		[]string{"op", "result"},
	)

	c.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound carrier request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("指标收集器已创建", zap.String("namespace", namespace))
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Gatherer 返回底层 Registry
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// RecordEvent 记录标准化事件
func (c *Collector) RecordEvent(provider, kind string) {
	if c == nil {
		return
	}
	c.eventsNormalized.WithLabelValues(provider, kind).Inc()
}

// RecordUnrecognized 记录无法识别的载荷
func (c *Collector) RecordUnrecognized(provider string) {
	if c == nil {
		return
	}
	c.eventsUnrecognized.WithLabelValues(provider).Inc()
}

// RecordSubscriberDrop 记录订阅者丢弃的事件
func (c *Collector) RecordSubscriberDrop() {
	if c == nil {
		return
	}
	c.subscriberDrops.Inc()
}

// RecordTransition 记录通话状态转换，进入终止状态时减少活跃通话数
func (c *Collector) RecordTransition(from, to string, terminal bool) {
	if c == nil {
		return
	}
	c.callTransitions.WithLabelValues(from, to).Inc()
	if terminal {
		c.activeCalls.Dec()
	}
}

// RecordCallCreated 记录新建通话
func (c *Collector) RecordCallCreated() {
	if c == nil {
		return
	}
	c.activeCalls.Inc()
}

// RecordFrame 记录媒体帧，direction 为 inbound/outbound
func (c *Collector) RecordFrame(direction string) {
	if c == nil {
		return
	}
	c.mediaFrames.WithLabelValues(direction).Inc()
}

// RecordRejection 记录被拒绝的媒体连接
func (c *Collector) RecordRejection(code int) {
	if c == nil {
		return
	}
	c.mediaRejections.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordProviderRequest 记录运营商请求
func (c *Collector) RecordProviderRequest(op string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.providerRequests.WithLabelValues(op, result).Inc()
	c.providerRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
