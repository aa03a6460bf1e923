package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should tolerate existing collectors: %v", err)
	}
}

func TestObserveEventAndAlert(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("disconnected"))
	ObserveEvent("disconnected", 85)
	if got := testutil.ToFloat64(eventsTotal.WithLabelValues("disconnected")); got != before+1 {
		t.Fatalf("events counter = %v, want %v", got, before+1)
	}

	beforeAlerts := testutil.ToFloat64(alertsTotal.WithLabelValues("quality", "critical"))
	ObserveAlert("quality", "critical")
	if got := testutil.ToFloat64(alertsTotal.WithLabelValues("quality", "critical")); got != beforeAlerts+1 {
		t.Fatalf("alerts counter = %v", got)
	}

	SetActiveAlerts(4)
	if got := testutil.ToFloat64(activeAlerts); got != 4 {
		t.Fatalf("active alerts gauge = %v", got)
	}
}

func TestReconnectOutcomeNormalised(t *testing.T) {
	before := testutil.ToFloat64(reconnectOutcomes.WithLabelValues(OutcomeFailed))
	ObserveReconnect("something-else")
	if got := testutil.ToFloat64(reconnectOutcomes.WithLabelValues(OutcomeFailed)); got != before+1 {
		t.Fatalf("unknown outcomes should count as failed, got %v", got)
	}
}

func TestMonitorTransition(t *testing.T) {
	MonitorTransition("", "connected")
	MonitorTransition("connected", "warning")
	if got := testutil.ToFloat64(monitorStates.WithLabelValues("connected")); got != 0 {
		t.Fatalf("connected gauge = %v", got)
	}
	if got := testutil.ToFloat64(monitorStates.WithLabelValues("warning")); got != 1 {
		t.Fatalf("warning gauge = %v", got)
	}
	MonitorTransition("warning", "")
	if got := testutil.ToFloat64(monitorStates.WithLabelValues("warning")); got != 0 {
		t.Fatalf("warning gauge after removal = %v", got)
	}
}
