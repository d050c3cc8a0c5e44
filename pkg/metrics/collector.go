// Package metrics exposes the fabric's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fabric"

// Circuit state gauge values.
const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
)

// Collector holds every fabric metric. One instance is shared by the
// transport client, batcher, breaker, heartbeat monitor, and registry
// wiring.
type Collector struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesExpired  prometheus.Counter
	batchesFlushed   *prometheus.CounterVec
	heartbeatProbes  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	registeredNodes  prometheus.Gauge
	circuitState     *prometheus.GaugeVec
}

// NewCollector registers the fabric metrics on reg. A nil reg uses the
// default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Envelopes handed to the broker, by type, priority, and outcome",
			},
			[]string{"type", "priority", "outcome"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Envelopes consumed from the broker, by type",
			},
			[]string{"type"},
		),
		messagesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_expired_total",
				Help:      "Envelopes dropped because their TTL had elapsed on receipt",
			},
		),
		batchesFlushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_flushed_total",
				Help:      "Batcher flushes, by reason (size, timeout, manual, close)",
			},
			[]string{"reason"},
		),
		heartbeatProbes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_probes_total",
				Help:      "Health probes sent by the heartbeat monitor, by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Round-trip duration of awaited sends, by message type",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		registeredNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_nodes",
				Help:      "Nodes currently present in the registry",
			},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
	}
}

// RecordSent counts one outbound envelope. Outcome is delivered, failed,
// timeout, rejected, or batched.
func (c *Collector) RecordSent(messageType, priority, outcome string) {
	c.messagesSent.WithLabelValues(messageType, priority, outcome).Inc()
}

// RecordReceived counts one inbound envelope.
func (c *Collector) RecordReceived(messageType string) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordExpired counts one envelope dropped for an elapsed TTL.
func (c *Collector) RecordExpired() {
	c.messagesExpired.Inc()
}

// RecordBatchFlushed counts one batcher flush.
func (c *Collector) RecordBatchFlushed(reason string) {
	c.batchesFlushed.WithLabelValues(reason).Inc()
}

// RecordHeartbeatProbe counts one health probe. Outcome is success or
// failure.
func (c *Collector) RecordHeartbeatProbe(outcome string) {
	c.heartbeatProbes.WithLabelValues(outcome).Inc()
}

// ObserveRequestDuration records the round trip of one awaited send.
func (c *Collector) ObserveRequestDuration(messageType string, elapsed time.Duration) {
	c.requestDuration.WithLabelValues(messageType).Observe(elapsed.Seconds())
}

// SetRegisteredNodes tracks the registry's node count.
func (c *Collector) SetRegisteredNodes(n int) {
	c.registeredNodes.Set(float64(n))
}

// SetCircuitState tracks a target's circuit state. Unknown state
// strings report as closed.
func (c *Collector) SetCircuitState(target, state string) {
	value := float64(circuitClosed)
	switch state {
	case "OPEN":
		value = circuitOpen
	case "HALF_OPEN":
		value = circuitHalfOpen
	}
	c.circuitState.WithLabelValues(target).Set(value)
}
