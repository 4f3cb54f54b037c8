package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Transition("missed", "system")
	m.Transition("missed", "system")
	m.Transition("taken", "patient")
	if got := testutil.ToFloat64(m.DoseTransitions.WithLabelValues("missed", "system")); got != 2 {
		t.Errorf("missed transitions = %v, want 2", got)
	}

	m.ReminderFired("morning", "scheduler", 3)
	if got := testutil.ToFloat64(m.ReminderPatients.WithLabelValues("morning")); got != 3 {
		t.Errorf("patients = %v, want 3", got)
	}

	m.Sweep("all", time.Millisecond, errors.New("down"))
	if got := testutil.ToFloat64(m.SweepsFailed.WithLabelValues("all")); got != 1 {
		t.Errorf("sweep failures = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("taken", "patient")
	m.Materialized(3)
	m.Dropped()
	m.ObserveRequest("GET", "/", 200, time.Second)
}
