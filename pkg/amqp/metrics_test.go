package amqp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var total float64
	for m := range ch {
		out := &dto.Metric{}
		if err := m.Write(out); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		switch {
		case out.Counter != nil:
			total += out.Counter.GetValue()
		case out.Gauge != nil:
			total += out.Gauge.GetValue()
		}
	}
	return total
}

func TestMetricsCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithMetricsRegistry(reg), WithMetricsNamespace("test"))

	req := newPendingRequest(1, []MethodKind{ChannelOpenOk})
	m.requestStarted()
	m.channelAdded()
	m.channelAdded()
	m.channelRemoved()
	m.orphanDiscarded()
	m.frameReceived(FrameMethod)
	m.frameReceived(FrameBody)
	m.connectionOpened(20 * time.Millisecond)

	if got := counterValue(t, m.pendingRequests); got != 1 {
		t.Fatalf("pending_requests = %v", got)
	}
	m.requestFinished(req)
	if got := counterValue(t, m.pendingRequests); got != 0 {
		t.Fatalf("pending_requests after finish = %v", got)
	}
	if got := counterValue(t, m.openChannels); got != 1 {
		t.Fatalf("open_channels = %v", got)
	}
	if got := counterValue(t, m.orphans); got != 1 {
		t.Fatalf("orphan_replies_total = %v", got)
	}
	if got := counterValue(t, m.framesReceived); got != 2 {
		t.Fatalf("frames_received_total = %v", got)
	}
	if got := counterValue(t, m.openConnections); got != 1 {
		t.Fatalf("open_connections = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_handshake_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatal("namespace not applied to handshake histogram")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.frameReceived(FrameMethod)
	m.frameSent(FrameHeartbeat)
	m.orphanDiscarded()
	m.violation()
	m.heartbeatSent()
	m.requestStarted()
	m.requestFinished(newPendingRequest(0, nil))
	m.channelAdded()
	m.channelRemoved()
	m.connectionOpened(time.Second)
	m.connectionClosed()
	m.handshakeFailed()
}
