package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/omochice/relaychat/internal/metrics"
)

func TestMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("test"))

	m.MembersChanged(3)
	m.Delivered(2, 1)
	m.Delivered(2, 2)
	m.SessionOpened()
	m.SessionClosed("eof")
	m.SessionClosed("eof")
	m.AcceptFailed("tcp")

	if got := testutil.ToFloat64(m.Members); got != 3 {
		t.Errorf("Members = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.FramesDelivered); got != 2 {
		t.Errorf("FramesDelivered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesFannedOut); got != 4 {
		t.Errorf("FramesFannedOut = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.History); got != 2 {
		t.Errorf("History = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("eof")); got != 2 {
		t.Errorf("SessionsClosed(eof) = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AcceptErrors.WithLabelValues("tcp")); got != 1 {
		t.Errorf("AcceptErrors(tcp) = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.MembersChanged(1)
	m.Delivered(1, 1)
	m.SessionOpened()
	m.SessionClosed("eof")
	m.AcceptFailed("tcp")
}
