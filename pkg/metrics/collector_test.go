package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordSent("QUERY_REQUEST", "NORMAL", "success")
	c.RecordSent("QUERY_REQUEST", "NORMAL", "success")
	c.RecordSent("COMMAND", "CRITICAL", "timeout")
	c.RecordReceived("RESPONSE")
	c.RecordExpired()
	c.RecordBatchFlushed("size")
	c.RecordHeartbeatProbe("failure")

	got := testutil.ToFloat64(c.messagesSent.WithLabelValues("QUERY_REQUEST", "NORMAL", "success"))
	if got != 2 {
		t.Errorf("metrics:collector_test - sent counter = %v, want 2", got)
	}
	got = testutil.ToFloat64(c.messagesSent.WithLabelValues("COMMAND", "CRITICAL", "timeout"))
	if got != 1 {
		t.Errorf("metrics:collector_test - timeout counter = %v, want 1", got)
	}
	if got = testutil.ToFloat64(c.messagesReceived.WithLabelValues("RESPONSE")); got != 1 {
		t.Errorf("metrics:collector_test - received counter = %v, want 1", got)
	}
	if got = testutil.ToFloat64(c.messagesExpired); got != 1 {
		t.Errorf("metrics:collector_test - expired counter = %v, want 1", got)
	}
	if got = testutil.ToFloat64(c.batchesFlushed.WithLabelValues("size")); got != 1 {
		t.Errorf("metrics:collector_test - flushed counter = %v, want 1", got)
	}
	if got = testutil.ToFloat64(c.heartbeatProbes.WithLabelValues("failure")); got != 1 {
		t.Errorf("metrics:collector_test - probe counter = %v, want 1", got)
	}
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetRegisteredNodes(5)
	if got := testutil.ToFloat64(c.registeredNodes); got != 5 {
		t.Errorf("metrics:collector_test - registered nodes = %v, want 5", got)
	}
	c.SetRegisteredNodes(3)
	if got := testutil.ToFloat64(c.registeredNodes); got != 3 {
		t.Errorf("metrics:collector_test - registered nodes = %v, want 3", got)
	}

	c.SetCircuitState("worker-1", "OPEN")
	if got := testutil.ToFloat64(c.circuitState.WithLabelValues("worker-1")); got != 1 {
		t.Errorf("metrics:collector_test - circuit gauge = %v, want 1", got)
	}
	c.SetCircuitState("worker-1", "HALF_OPEN")
	if got := testutil.ToFloat64(c.circuitState.WithLabelValues("worker-1")); got != 2 {
		t.Errorf("metrics:collector_test - circuit gauge = %v, want 2", got)
	}
	c.SetCircuitState("worker-1", "CLOSED")
	if got := testutil.ToFloat64(c.circuitState.WithLabelValues("worker-1")); got != 0 {
		t.Errorf("metrics:collector_test - circuit gauge = %v, want 0", got)
	}
}

func TestCollector_Histogram(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveRequestDuration("QUERY_REQUEST", 150*time.Millisecond)
	c.ObserveRequestDuration("QUERY_REQUEST", 300*time.Millisecond)

	if got := testutil.CollectAndCount(c.requestDuration); got != 1 {
		t.Errorf("metrics:collector_test - histogram series = %d, want 1", got)
	}
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// Two collectors on separate registries must not collide
	first := NewCollector(prometheus.NewRegistry())
	second := NewCollector(prometheus.NewRegistry())

	first.RecordExpired()
	if got := testutil.ToFloat64(second.messagesExpired); got != 0 {
		t.Errorf("metrics:collector_test - second collector expired = %v, want 0", got)
	}
}
