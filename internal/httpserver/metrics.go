package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the counters and histograms exported on /metrics.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	requestSeconds  *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
}

// NewMetrics registers the collector set on the given registerer. Passing nil
// registers on the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_operations_total",
			Help: "Ledger operations processed, by operation and outcome.",
		}, []string{"operation", "status"}),
		requestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_webhook_events_total",
			Help: "Billing provider webhook events received, by type and outcome.",
		}, []string{"event_type", "status"}),
	}
}

func (metrics *Metrics) observeOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.operationsTotal.WithLabelValues(operation, status).Inc()
}

func (metrics *Metrics) observeWebhook(eventType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.webhookEvents.WithLabelValues(eventType, status).Inc()
}

func (metrics *Metrics) requestTimer() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.requestSeconds.
			WithLabelValues(route, strconv.Itoa(ctx.Writer.Status())).
			Observe(time.Since(startedAt).Seconds())
	}
}
