package observability

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m := NewMetrics()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered collectors to produce metric families")
	}
}

func TestMetricsObserverMethods(t *testing.T) {
	m := NewMetrics()
	m.ObserveCacheHitRatio(0.75)
	m.ObservePoolAcquisition(15 * time.Millisecond)
	m.ObserveBatchSize(10)

	var out dto.Metric
	if err := m.CacheHitRatio.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetGauge().GetValue() != 0.75 {
		t.Errorf("CacheHitRatio = %v, want 0.75", out.GetGauge().GetValue())
	}
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a.Registry() == b.Registry() {
		t.Fatal("expected each Metrics instance to own a distinct registry")
	}
	// Must not panic with duplicate metric names across independent registries.
	a.ObserveCacheHitRatio(0.1)
	b.ObserveCacheHitRatio(0.2)
}
