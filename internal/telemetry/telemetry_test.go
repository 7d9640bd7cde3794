package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestIncrementsCounter(t *testing.T) {
	m := New()
	m.ObserveRequest("proxy", 200, 5*time.Millisecond)
	m.ObserveRequest("proxy", 503, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("proxy", "2xx")); got != 1 {
		t.Fatalf("expected one 2xx request, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("proxy", "5xx")); got != 1 {
		t.Fatalf("expected one 5xx request, got %v", got)
	}
}

func TestStreamConnGauge(t *testing.T) {
	m := New()
	m.StreamConnOpened(5432)
	m.StreamConnOpened(5432)
	m.StreamConnClosed(5432)

	if got := testutil.ToFloat64(m.streamConns.WithLabelValues("5432")); got != 1 {
		t.Fatalf("expected gauge at 1 after two opens and one close, got %v", got)
	}
}

func TestReloadCounters(t *testing.T) {
	m := New()
	m.ReloadSucceeded(time.Now())
	m.ReloadFailed()

	if got := testutil.ToFloat64(m.reloadsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(m.reloadsTotal.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected one failure, got %v", got)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{199: "other", 200: "2xx", 301: "3xx", 404: "4xx", 502: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
