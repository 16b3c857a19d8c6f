package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/MeteredGateway/internal/models"
)

// GatewayMetrics holds the collectors for the metered relay. A nil *GatewayMetrics is a no-op.
type GatewayMetrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec   // Requests by final stage and outcome code.
	RequestDuration  *prometheus.HistogramVec // End-to-end latency by stream flag.
	UpstreamAttempts *prometheus.CounterVec   // Upstream attempts by upstream and result.
	BilledCost       *prometheus.CounterVec   // Charged cost by source: package or balance.
	UnbilledCost     prometheus.Counter       // Cost of streamed requests the charge could not cover.
	UpstreamStatus   *prometheus.GaugeVec     // 1 active, 0 unhealthy, -1 disabled.
}

// New registers the gateway collectors on a fresh registry together with the Go and process collectors.
func New() *GatewayMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &GatewayMetrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Relay requests by the stage they ended in and the outcome code",
			},
			[]string{"stage", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end relay latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stream"},
		),
		UpstreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Proxied upstream attempts by upstream and result",
			},
			[]string{"upstream", "result"},
		),
		BilledCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billed_cost_total",
				Help: "Charged cost by source",
			},
			[]string{"source"},
		),
		UnbilledCost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_unbilled_cost_total",
				Help: "Cost of delivered streams that could not be charged",
			},
		),
		UpstreamStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_status",
				Help: "Upstream routing status: 1 active, 0 unhealthy, -1 disabled",
			},
			[]string{"upstream", "name"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *GatewayMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest counts a finished request.
func (m *GatewayMetrics) ObserveRequest(stage, code string, stream bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(stage, code).Inc()
	m.RequestDuration.WithLabelValues(strconv.FormatBool(stream)).Observe(elapsed.Seconds())
}

// ObserveAttempt counts one upstream attempt.
func (m *GatewayMetrics) ObserveAttempt(upstreamID uint64, result string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(strconv.FormatUint(upstreamID, 10), result).Inc()
}

// ObserveCharge adds charged amounts by source.
func (m *GatewayMetrics) ObserveCharge(packageAmount, balanceAmount float64) {
	if m == nil {
		return
	}
	if packageAmount > 0 {
		m.BilledCost.WithLabelValues("package").Add(packageAmount)
	}
	if balanceAmount > 0 {
		m.BilledCost.WithLabelValues("balance").Add(balanceAmount)
	}
}

// ObserveUnbilled records cost delivered without a successful charge.
func (m *GatewayMetrics) ObserveUnbilled(cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.UnbilledCost.Add(cost)
}

// ObserveUpstreams refreshes the status gauge. It satisfies upstream.StatusObserver.
func (m *GatewayMetrics) ObserveUpstreams(rows []models.UpstreamProvider) {
	if m == nil {
		return
	}
	m.UpstreamStatus.Reset()
	for _, row := range rows {
		value := 1.0
		switch row.Status {
		case models.UpstreamStatusUnhealthy:
			value = 0
		case models.UpstreamStatusDisabled:
			value = -1
		}
		m.UpstreamStatus.WithLabelValues(strconv.FormatUint(row.ID, 10), row.Name).Set(value)
	}
}
