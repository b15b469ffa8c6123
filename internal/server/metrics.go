package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"mediacred/internal/assetio"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 请求与存储操作指标，使用独立的 registry
type Metrics struct {
	registry        *prometheus.Registry
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	storeBytes      *prometheus.HistogramVec
}

// NewMetrics 创建指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediacred",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mediacred",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "path"},
		),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediacred",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Store operations by result",
			},
			[]string{"op", "result"},
		),
		storeBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mediacred",
				Subsystem: "store",
				Name:      "store_size_bytes",
				Help:      "Size of stores written or patched",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
			[]string{"op"},
		),
	}
}

// Middleware 记录请求数与耗时。路径使用路由模板，避免标签基数膨胀
func (m *Metrics) Middleware(ctx iris.Context) {
	start := time.Now()
	ctx.Next()

	path := ctx.Path()
	if r := ctx.GetCurrentRoute(); r != nil {
		path = r.Path()
	}
	method := ctx.Method()
	status := strconv.Itoa(ctx.GetStatusCode())

	m.requestCounter.WithLabelValues(method, path, status).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

// observe 按错误分类记录一次存储操作
func (m *Metrics) observe(op string, err error) {
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Metrics) observeSize(op string, n int) {
	m.storeBytes.WithLabelValues(op).Observe(float64(n))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, assetio.ErrNotFound):
		return "not_found"
	case errors.Is(err, assetio.ErrMalformedContainer):
		return "malformed"
	case errors.Is(err, assetio.ErrPatchSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, assetio.ErrUnsupportedAssetType):
		return "unsupported"
	default:
		return "error"
	}
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
