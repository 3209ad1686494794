package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type GatewayMetrics struct {
	eventsIngested     prometheus.Counter
	idempotentReplays  prometheus.Counter
	webhookDeliveries  *prometheus.CounterVec
	webhookQueueDrops  *prometheus.CounterVec
	webhookQueueDepth  prometheus.Gauge
	auditWriteFailures prometheus.Counter
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "custos_gateway_events_ingested_total",
				Help: "Count of node events persisted by the gateway watcher.",
			}),
			idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "custos_gateway_idempotent_replays_total",
				Help: "Count of write requests answered from the idempotency store.",
			}),
			webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "custos_gateway_webhook_deliveries_total",
				Help: "Count of webhook delivery attempts by destination and outcome.",
			}, []string{"destination", "outcome"}),
			webhookQueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "custos_gateway_webhook_queue_drops_total",
				Help: "Count of webhook tasks dropped before delivery by reason.",
			}, []string{"reason"}),
			webhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "custos_gateway_webhook_queue_depth",
				Help: "Number of webhook tasks currently buffered for delivery.",
			}),
			auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "custos_gateway_audit_write_failures_total",
				Help: "Number of audit log writes that could not be persisted.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.eventsIngested,
			gatewayRegistry.idempotentReplays,
			gatewayRegistry.webhookDeliveries,
			gatewayRegistry.webhookQueueDrops,
			gatewayRegistry.webhookQueueDepth,
			gatewayRegistry.auditWriteFailures,
		)
	})
	return gatewayRegistry
}

func (m *GatewayMetrics) ObserveEventIngested() {
	if m == nil {
		return
	}
	m.eventsIngested.Inc()
}

func (m *GatewayMetrics) ObserveIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

func (m *GatewayMetrics) ObserveWebhookDelivery(destination, outcome string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.webhookDeliveries.WithLabelValues(destination, outcome).Inc()
}

func (m *GatewayMetrics) ObserveQueueDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.webhookQueueDrops.WithLabelValues(reason).Inc()
}

func (m *GatewayMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.webhookQueueDepth.Set(float64(depth))
}

func (m *GatewayMetrics) IncAuditWriteFailure() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}
